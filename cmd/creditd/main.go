package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditbook/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditbook/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagConfigFile       = "config"
	flagDescription      = "description"
	flagPaymentID        = "payment-id"
	flagExpireDays       = "expire-days"
	configKeyDatabaseURL = "database_url"
	configKeyPlans       = "plans"
	defaultDatabaseURL   = "sqlite:///tmp/creditbook.db"
	defaultUsageNote     = "feature usage"
)

var policyConfigKeys = map[string]int64{
	"policy.register_gift_amount":      100,
	"policy.register_gift_expire_days": 30,
	"policy.monthly_free_amount":       50,
	"policy.lifetime_monthly_amount":   500,
	"policy.monthly_expire_days":       30,
	"policy.distribution_chunk_size":   100,
}

type planConfig struct {
	IsFree     bool `mapstructure:"is_free"`
	IsLifetime bool `mapstructure:"is_lifetime"`
	Disabled   bool `mapstructure:"disabled"`
	Credits    struct {
		Enable     bool  `mapstructure:"enable"`
		Amount     int64 `mapstructure:"amount"`
		ExpireDays int   `mapstructure:"expire_days"`
	} `mapstructure:"credits"`
}

type runtime struct {
	logger  *zap.Logger
	service *credits.Service
	cleanup func() error
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger maintenance commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.PersistentFlags().String(flagConfigFile, "", "Path to the plan/policy config file")

	cmd.AddCommand(newDistributeCommand())
	cmd.AddCommand(newBalanceCommand())
	cmd.AddCommand(newGrantCommand())
	cmd.AddCommand(newConsumeCommand())
	cmd.AddCommand(newSweepCommand())
	return cmd
}

func newDistributeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "distribute",
		Short: "Apply the monthly credit grant to the whole user population",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				summary, err := rt.service.DistributeCreditsToAllUsers(ctx)
				if err != nil {
					return err
				}
				rt.logger.Info("distribution finished",
					zap.Int("processed_count", summary.ProcessedCount),
					zap.Int("error_count", summary.ErrorCount),
				)
				fmt.Fprintf(cmd.OutOrStdout(), "processed=%d errors=%d\n", summary.ProcessedCount, summary.ErrorCount)
				return nil
			})
		},
	}
}

func newBalanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Print a user's current credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				balance, err := rt.service.GetUserCredits(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", balance)
				return nil
			})
		},
	}
}

func newGrantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Grant purchased credits to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("parse amount: %w", err)
			}
			description, _ := cmd.Flags().GetString(flagDescription)
			paymentID, _ := cmd.Flags().GetString(flagPaymentID)
			expireDays, _ := cmd.Flags().GetInt(flagExpireDays)
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				return rt.service.AddCredits(ctx, args[0], amount, credits.TransactionTypePurchase, description, paymentID, expireDays)
			})
		},
	}
	cmd.Flags().String(flagDescription, "Credit purchase", "Audit description for the grant")
	cmd.Flags().String(flagPaymentID, "", "External payment identifier")
	cmd.Flags().Int(flagExpireDays, 0, "Days until the grant expires (0 = never)")
	return cmd
}

func newConsumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume <user-id> <amount>",
		Short: "Consume credits from a user's balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("parse amount: %w", err)
			}
			description, _ := cmd.Flags().GetString(flagDescription)
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				return rt.service.ConsumeCredits(ctx, args[0], amount, description)
			})
		},
	}
	cmd.Flags().String(flagDescription, defaultUsageNote, "Audit description for the spend")
	return cmd
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep <user-id>",
		Short: "Retire a user's expired credit grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				return rt.service.ProcessExpiredCredits(ctx, args[0])
			})
		},
	}
}

func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = rt.cleanup()
		_ = rt.logger.Sync()
	}()
	return fn(ctx, rt)
}

func newRuntime(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}

	if err := loadConfig(cmd); err != nil {
		return nil, err
	}

	databaseURL := viper.GetString(configKeyDatabaseURL)
	gormDB, cleanup, driver, err := openDatabase(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}

	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			_ = cleanup()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	resolver, err := loadPlanResolver()
	if err != nil {
		_ = cleanup()
		return nil, err
	}

	clock := func() time.Time { return time.Now().UTC() }
	service, err := credits.NewService(store, clock, loadPolicy(),
		credits.WithPlanResolver(resolver),
		credits.WithUserSource(store),
		credits.WithOperationLogger(credits.NewZapOperationLogger(logger)),
	)
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("credit service init: %w", err)
	}
	return &runtime{logger: logger, service: service, cleanup: cleanup}, nil
}

func loadConfig(cmd *cobra.Command) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	for key, value := range policyConfigKeys {
		viper.SetDefault(key, value)
	}

	configFile, err := cmd.Flags().GetString(flagConfigFile)
	if err != nil {
		return err
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if viper.GetString(configKeyDatabaseURL) == "" {
		viper.Set(configKeyDatabaseURL, defaultDatabaseURL)
	}
	return nil
}

func loadPolicy() credits.Policy {
	return credits.Policy{
		RegisterGiftAmount:     viper.GetInt64("policy.register_gift_amount"),
		RegisterGiftExpireDays: viper.GetInt("policy.register_gift_expire_days"),
		MonthlyFreeAmount:      viper.GetInt64("policy.monthly_free_amount"),
		LifetimeMonthlyAmount:  viper.GetInt64("policy.lifetime_monthly_amount"),
		MonthlyExpireDays:      viper.GetInt("policy.monthly_expire_days"),
		DistributionChunkSize:  viper.GetInt("policy.distribution_chunk_size"),
	}
}

func loadPlanResolver() (*credits.StaticPlanResolver, error) {
	planConfigs := map[string]planConfig{}
	if viper.IsSet(configKeyPlans) {
		if err := viper.UnmarshalKey(configKeyPlans, &planConfigs); err != nil {
			return nil, fmt.Errorf("parse plans: %w", err)
		}
	}
	plans := make(map[string]credits.Plan, len(planConfigs))
	for priceID, config := range planConfigs {
		plans[priceID] = credits.Plan{
			PlanID:     priceID,
			IsFree:     config.IsFree,
			IsLifetime: config.IsLifetime,
			Disabled:   config.Disabled,
			Credits: credits.PlanCredits{
				Enable:     config.Credits.Enable,
				Amount:     config.Credits.Amount,
				ExpireDays: config.Credits.ExpireDays,
			},
		}
	}
	return credits.NewStaticPlanResolver(plans), nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditbook.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
