package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditbook/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectPopulation  = "population"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeExists         = "exists"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
	errorCodeUpsert         = "upsert"

	sqlGetBalance = `
		select user_id, current_credits, last_refresh_at
		from user_credit_balances
		where user_id = $1
	`

	sqlGetBalanceForUpdate = sqlGetBalance + ` for update`

	sqlUpsertBalance = `
		insert into user_credit_balances(user_id, current_credits, last_refresh_at, created_at, updated_at)
		values($1, $2, $3, now(), now())
		on conflict (user_id) do update
		set current_credits = excluded.current_credits,
		    last_refresh_at = excluded.last_refresh_at,
		    updated_at = now()
	`

	sqlUpdateBalance = `
		update user_credit_balances
		set current_credits = $2, last_refresh_at = $3, updated_at = now()
		where user_id = $1
	`

	sqlSetLastRefresh = `
		update user_credit_balances
		set last_refresh_at = $2, updated_at = now()
		where user_id = $1
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, type, amount, remaining_amount, description,
			payment_id, expiration_date, expiration_date_processed_at, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5,
			nullif($6, ''), $7, $8, coalesce(nullif($9, ''), '{}')::jsonb, $10
		)
	`

	sqlUpdateRemaining = `
		update credit_transactions
		set remaining_amount = $2,
		    expiration_date_processed_at = coalesce($3, expiration_date_processed_at)
		where transaction_id = $1
	`

	sqlSelectTransactionColumns = `
		select
			transaction_id::text, user_id, type, amount, remaining_amount,
			description, coalesce(payment_id, ''), expiration_date,
			expiration_date_processed_at, metadata::text, created_at
		from credit_transactions
	`

	sqlListExpired = sqlSelectTransactionColumns + `
		where user_id = $1
		  and type = any($2)
		  and expiration_date is not null
		  and expiration_date < $3
		  and expiration_date_processed_at is null
		  and remaining_amount > 0
		order by expiration_date asc
	`

	sqlListConsumable = sqlSelectTransactionColumns + `
		where user_id = $1
		  and type = any($2)
		  and remaining_amount > 0
		  and expiration_date_processed_at is null
		  and (expiration_date is null or expiration_date > $3)
		order by expiration_date asc nulls last, created_at asc
	`

	sqlHasTransactionOfType = `
		select exists(
			select 1 from credit_transactions where user_id = $1 and type = $2
		)
	`

	sqlListBalances = `
		select user_id, current_credits, last_refresh_at
		from user_credit_balances
		where user_id = any($1)
	`

	sqlListPopulation = `
		select
			u.user_id,
			coalesce(p.price_id, ''),
			coalesce(p.status, '')
		from users u
		left join payments p on p.payment_id = (
			select p2.payment_id
			from payments p2
			where p2.user_id = u.user_id
			  and p2.status in ('active', 'trialing')
			order by p2.created_at desc
			limit 1
		)
		where u.banned = false
		order by u.user_id
	`
)

var earnTypes = []string{
	credits.TransactionTypeRegisterGift.String(),
	credits.TransactionTypeMonthlyRefresh.String(),
	credits.TransactionTypeSubscriptionRenewal.String(),
	credits.TransactionTypeLifetimeMonthly.String(),
	credits.TransactionTypePurchase.String(),
}

// querier is the subset of pgxpool.Pool and pgx.Tx the store needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults
}

// Store implements credits.Store using a pgx connection pool. Inside WithTx
// all statements run on the transaction instead of the pool.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction; run on the same one.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{q: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID string) (credits.BalanceRecord, bool, error) {
	return store.getBalance(ctx, sqlGetBalance, userID)
}

func (store *Store) GetBalanceForUpdate(ctx context.Context, userID string) (credits.BalanceRecord, bool, error) {
	return store.getBalance(ctx, sqlGetBalanceForUpdate, userID)
}

func (store *Store) getBalance(ctx context.Context, query string, userID string) (credits.BalanceRecord, bool, error) {
	var record credits.BalanceRecord
	err := store.q.QueryRow(ctx, query, userID).Scan(&record.UserID, &record.CurrentCredits, &record.LastRefreshAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.BalanceRecord{}, false, nil
	}
	if err != nil {
		return credits.BalanceRecord{}, false, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return record, true, nil
}

func (store *Store) SaveBalance(ctx context.Context, record credits.BalanceRecord) error {
	_, err := store.q.Exec(ctx, sqlUpsertBalance, record.UserID, record.CurrentCredits, record.LastRefreshAt)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) SetLastRefresh(ctx context.Context, userID string, refreshedAt time.Time) error {
	_, err := store.q.Exec(ctx, sqlSetLastRefresh, userID, refreshedAt)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	_, err := store.q.Exec(ctx, sqlInsertTransaction, insertTransactionArgs(transaction)...)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateRemaining(ctx context.Context, transactionID string, remaining int64, processedAt *time.Time) error {
	_, err := store.q.Exec(ctx, sqlUpdateRemaining, transactionID, remaining, processedAt)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListExpiredEarnTransactions(ctx context.Context, userID string, asOf time.Time) ([]credits.Transaction, error) {
	return store.listTransactions(ctx, sqlListExpired, userID, asOf)
}

func (store *Store) ListConsumableEarnTransactions(ctx context.Context, userID string, asOf time.Time) ([]credits.Transaction, error) {
	return store.listTransactions(ctx, sqlListConsumable, userID, asOf)
}

func (store *Store) listTransactions(ctx context.Context, query string, userID string, asOf time.Time) ([]credits.Transaction, error) {
	rows, err := store.q.Query(ctx, query, userID, earnTypes, asOf)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store *Store) HasTransactionOfType(ctx context.Context, userID string, transactionType credits.TransactionType) (bool, error) {
	var exists bool
	err := store.q.QueryRow(ctx, sqlHasTransactionOfType, userID, transactionType.String()).Scan(&exists)
	if err != nil {
		return false, wrapStoreError(errorSubjectTransaction, errorCodeExists, err)
	}
	return exists, nil
}

func (store *Store) ListBalances(ctx context.Context, userIDs []string) ([]credits.BalanceRecord, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := store.q.Query(ctx, sqlListBalances, userIDs)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	defer rows.Close()
	records := make([]credits.BalanceRecord, 0, len(userIDs))
	for rows.Next() {
		var record credits.BalanceRecord
		if err := rows.Scan(&record.UserID, &record.CurrentCredits, &record.LastRefreshAt); err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	return records, nil
}

func (store *Store) InsertTransactionBatch(ctx context.Context, transactions []credits.Transaction) error {
	if len(transactions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, transaction := range transactions {
		batch.Queue(sqlInsertTransaction, insertTransactionArgs(transaction)...)
	}
	if err := store.sendBatch(ctx, batch); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertBalanceBatch(ctx context.Context, records []credits.BalanceRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, record := range records {
		batch.Queue(sqlUpsertBalance, record.UserID, record.CurrentCredits, record.LastRefreshAt)
	}
	if err := store.sendBatch(ctx, batch); err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateBalanceBatch(ctx context.Context, records []credits.BalanceRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, record := range records {
		batch.Queue(sqlUpdateBalance, record.UserID, record.CurrentCredits, record.LastRefreshAt)
	}
	if err := store.sendBatch(ctx, batch); err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	return nil
}

// ListActiveUsersWithLatestPayment returns all non-banned users joined with
// their latest active/trialing payment, one row per user.
func (store *Store) ListActiveUsersWithLatestPayment(ctx context.Context) ([]credits.UserPaymentRecord, error) {
	rows, err := store.q.Query(ctx, sqlListPopulation)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPopulation, errorCodeList, err)
	}
	defer rows.Close()
	records := make([]credits.UserPaymentRecord, 0, 64)
	for rows.Next() {
		var record credits.UserPaymentRecord
		if err := rows.Scan(&record.UserID, &record.PriceID, &record.PaymentStatus); err != nil {
			return nil, wrapStoreError(errorSubjectPopulation, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPopulation, errorCodeList, err)
	}
	return records, nil
}

func (store *Store) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	results := store.q.SendBatch(ctx, batch)
	defer results.Close()
	for index := 0; index < batch.Len(); index++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return results.Close()
}

func insertTransactionArgs(transaction credits.Transaction) []any {
	createdAt := transaction.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return []any{
		transaction.UserID,
		transaction.Type.String(),
		transaction.Amount,
		transaction.RemainingAmount,
		transaction.Description,
		transaction.PaymentID,
		transaction.ExpirationDate,
		transaction.ExpirationDateProcessedAt,
		transaction.MetadataJSON,
		createdAt,
	}
}

func scanTransactions(rows pgx.Rows) ([]credits.Transaction, error) {
	transactions := make([]credits.Transaction, 0, 16)
	for rows.Next() {
		var (
			transaction credits.Transaction
			typeValue   string
		)
		if err := rows.Scan(
			&transaction.TransactionID,
			&transaction.UserID,
			&typeValue,
			&transaction.Amount,
			&transaction.RemainingAmount,
			&transaction.Description,
			&transaction.PaymentID,
			&transaction.ExpirationDate,
			&transaction.ExpirationDateProcessedAt,
			&transaction.MetadataJSON,
			&transaction.CreatedAt,
		); err != nil {
			return nil, err
		}
		transactionType, err := credits.ParseTransactionType(typeValue)
		if err != nil {
			return nil, err
		}
		transaction.Type = transactionType
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}
