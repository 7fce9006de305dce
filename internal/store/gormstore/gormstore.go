package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditbook/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	dialectPostgres       = "postgres"

	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectPopulation  = "population"
	errorCodeCount          = "count"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
	errorCodeUpsert         = "upsert"
)

// orderConsumable sorts soonest-expiring grants first, non-expiring grants
// last, oldest first within a tie. The null check sorts false/0 before
// true/1 on both postgres and sqlite.
const orderConsumable = "(expiration_date is null), expiration_date asc, created_at asc"

var earnTypes = []string{
	credits.TransactionTypeRegisterGift.String(),
	credits.TransactionTypeMonthlyRefresh.String(),
	credits.TransactionTypeSubscriptionRenewal.String(),
	credits.TransactionTypeLifetimeMonthly.String(),
	credits.TransactionTypePurchase.String(),
}

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the ledger tables. Intended for sqlite deployments and
// tests; postgres schemas are managed externally.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&CreditBalance{}, &CreditTransaction{}, &User{}, &Payment{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, userID string) (credits.BalanceRecord, bool, error) {
	return store.getBalance(ctx, userID, false)
}

// GetBalanceForUpdate locks the balance row for the enclosing transaction.
// sqlite has no row locks and serializes writers, so the locking clause is
// applied on postgres only.
func (store *Store) GetBalanceForUpdate(ctx context.Context, userID string) (credits.BalanceRecord, bool, error) {
	return store.getBalance(ctx, userID, true)
}

func (store *Store) getBalance(ctx context.Context, userID string, forUpdate bool) (credits.BalanceRecord, bool, error) {
	query := store.db.WithContext(ctx)
	if forUpdate && store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model CreditBalance
	err := query.Where("user_id = ?", userID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.BalanceRecord{}, false, nil
	}
	if err != nil {
		return credits.BalanceRecord{}, false, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(model), true, nil
}

func (store *Store) SaveBalance(ctx context.Context, record credits.BalanceRecord) error {
	model := CreditBalance{
		UserID:         record.UserID,
		CurrentCredits: record.CurrentCredits,
		LastRefreshAt:  record.LastRefreshAt,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"current_credits", "last_refresh_at", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) SetLastRefresh(ctx context.Context, userID string, refreshedAt time.Time) error {
	err := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("user_id = ?", userID).
		Update("last_refresh_at", refreshedAt).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	model := mapTransactionModel(transaction)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateRemaining(ctx context.Context, transactionID string, remaining int64, processedAt *time.Time) error {
	assignments := map[string]interface{}{"remaining_amount": remaining}
	if processedAt != nil {
		assignments["expiration_date_processed_at"] = *processedAt
	}
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("transaction_id = ?", transactionID).
		Updates(assignments).Error
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListExpiredEarnTransactions(ctx context.Context, userID string, asOf time.Time) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND type IN ?", userID, earnTypes).
		Where("expiration_date IS NOT NULL AND expiration_date < ?", asOf).
		Where("expiration_date_processed_at IS NULL AND remaining_amount > 0").
		Order("expiration_date asc").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) ListConsumableEarnTransactions(ctx context.Context, userID string, asOf time.Time) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND type IN ?", userID, earnTypes).
		Where("remaining_amount > 0 AND expiration_date_processed_at IS NULL").
		Where("(expiration_date IS NULL OR expiration_date > ?)", asOf).
		Order(orderConsumable).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) HasTransactionOfType(ctx context.Context, userID string, transactionType credits.TransactionType) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("user_id = ? AND type = ?", userID, transactionType.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	return count > 0, nil
}

func (store *Store) ListBalances(ctx context.Context, userIDs []string) ([]credits.BalanceRecord, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var rows []CreditBalance
	err := store.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	records := make([]credits.BalanceRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, mapBalance(row))
	}
	return records, nil
}

func (store *Store) InsertTransactionBatch(ctx context.Context, transactions []credits.Transaction) error {
	if len(transactions) == 0 {
		return nil
	}
	models := make([]CreditTransaction, 0, len(transactions))
	for _, transaction := range transactions {
		models = append(models, mapTransactionModel(transaction))
	}
	err := store.db.WithContext(ctx).Create(&models).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertBalanceBatch(ctx context.Context, records []credits.BalanceRecord) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]CreditBalance, 0, len(records))
	for _, record := range records {
		models = append(models, CreditBalance{
			UserID:         record.UserID,
			CurrentCredits: record.CurrentCredits,
			LastRefreshAt:  record.LastRefreshAt,
		})
	}
	err := store.db.WithContext(ctx).Create(&models).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectBalance, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateBalanceBatch(ctx context.Context, records []credits.BalanceRecord) error {
	for _, record := range records {
		err := store.db.WithContext(ctx).
			Model(&CreditBalance{}).
			Where("user_id = ?", record.UserID).
			Updates(map[string]interface{}{
				"current_credits": record.CurrentCredits,
				"last_refresh_at": record.LastRefreshAt,
			}).Error
		if err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
		}
	}
	return nil
}

func mapBalance(model CreditBalance) credits.BalanceRecord {
	return credits.BalanceRecord{
		UserID:         model.UserID,
		CurrentCredits: model.CurrentCredits,
		LastRefreshAt:  model.LastRefreshAt,
	}
}

func mapTransactionModel(transaction credits.Transaction) CreditTransaction {
	var paymentID *string
	if transaction.PaymentID != "" {
		value := transaction.PaymentID
		paymentID = &value
	}
	model := CreditTransaction{
		TransactionID:             transaction.TransactionID,
		UserID:                    transaction.UserID,
		Type:                      transaction.Type.String(),
		Amount:                    transaction.Amount,
		RemainingAmount:           transaction.RemainingAmount,
		Description:               transaction.Description,
		PaymentID:                 paymentID,
		ExpirationDate:            transaction.ExpirationDate,
		ExpirationDateProcessedAt: transaction.ExpirationDateProcessedAt,
		Metadata:                  datatypesJSON(transaction.MetadataJSON),
		CreatedAt:                 transaction.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	return model
}

func mapTransactions(rows []CreditTransaction) ([]credits.Transaction, error) {
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapTransaction(row CreditTransaction) (credits.Transaction, error) {
	transactionType, err := credits.ParseTransactionType(row.Type)
	if err != nil {
		return credits.Transaction{}, err
	}
	paymentID := ""
	if row.PaymentID != nil {
		paymentID = *row.PaymentID
	}
	return credits.Transaction{
		TransactionID:             row.TransactionID,
		UserID:                    row.UserID,
		Type:                      transactionType,
		Amount:                    row.Amount,
		RemainingAmount:           row.RemainingAmount,
		Description:               row.Description,
		PaymentID:                 paymentID,
		ExpirationDate:            row.ExpirationDate,
		ExpirationDateProcessedAt: row.ExpirationDateProcessedAt,
		MetadataJSON:              string(row.Metadata),
		CreatedAt:                 row.CreatedAt,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
