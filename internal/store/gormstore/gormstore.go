package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/walduae101/siraj-sub002/pkg/wallet"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintUserIdempotencyKey = "uniq_ledger_user_idem"
	defaultJSONObject            = "{}"
	defaultJSONArray             = "[]"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectWallet           = "wallet"
	errorSubjectEntry            = "entry"
	errorSubjectRiskEvent        = "risk_event"
	errorSubjectWebhookEvent     = "webhook_event"
	errorSubjectReconciliation   = "reconciliation"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeSave                = "save"
	errorCodeSum                 = "sum"
	errorCodeUpdate              = "update"
)

// Store implements the wallet, risk, webhook, and reconciliation
// persistence contracts using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetWallet returns the stored wallet, or a zero wallet when the user has
// never been credited.
func (store *Store) GetWallet(ctx context.Context, userID string) (wallet.Wallet, error) {
	var model Wallet
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.Wallet{UserID: userID}, nil
	}
	if err != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(model)
}

// GetWalletForUpdate locks the wallet row for the transaction, creating it
// on first use. The row lock serializes all ledger writes for one user.
func (store *Store) GetWalletForUpdate(ctx context.Context, userID string) (wallet.Wallet, error) {
	var model Wallet
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		created := Wallet{
			UserID:    userID,
			PromoLots: datatypes.JSON([]byte(defaultJSONArray)),
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&created).Error
		if createErr != nil {
			return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, createErr)
		}
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&model).Error
	}
	if err != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(model)
}

// SaveWallet writes the full wallet row, lots included.
func (store *Store) SaveWallet(ctx context.Context, walletRow wallet.Wallet) error {
	lots, err := json.Marshal(walletRow.Lots)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	if walletRow.Lots == nil {
		lots = []byte(defaultJSONArray)
	}
	model := Wallet{
		UserID:       walletRow.UserID,
		PaidBalance:  walletRow.Paid,
		PromoBalance: walletRow.Promo,
		PromoLots:    datatypes.JSON(lots),
		RiskFlagged:  walletRow.RiskFlagged,
		CreatedAt:    timeFromUnix(walletRow.CreatedUnixUTC),
		UpdatedAt:    timeFromUnix(walletRow.UpdatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Save(&model).Error; err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
	}
	return nil
}

// FindEntryByIdempotencyKey looks up a prior entry for the (user, key) pair.
func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, userID string, key string) (wallet.LedgerEntry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.LedgerEntry{}, false, nil
	}
	if err != nil {
		return wallet.LedgerEntry{}, false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(model)
	if err != nil {
		return wallet.LedgerEntry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

// InsertEntry appends one immutable ledger entry.
func (store *Store) InsertEntry(ctx context.Context, entry wallet.LedgerEntry) error {
	source, err := json.Marshal(entry.Source)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	model := LedgerEntry{
		EntryID:        entry.EntryID,
		UserID:         entry.UserID,
		Kind:           entry.Kind.String(),
		Status:         entry.Status.String(),
		Bucket:         entry.Bucket.String(),
		Amount:         entry.Amount.Int64(),
		Currency:       entry.Currency,
		Source:         datatypes.JSON(source),
		IdempotencyKey: entry.IdempotencyKey,
		Metadata:       datatypesJSON(entry.MetadataJSON),
		CreatedAt:      timeFromUnix(entry.CreatedUnixUTC),
		CreatedBy:      entry.CreatedBy,
	}
	if entry.BalanceAfter != nil {
		paid := entry.BalanceAfter.Paid
		promo := entry.BalanceAfter.Promo
		model.BalanceAfterPaid = &paid
		model.BalanceAfterPromo = &promo
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, wallet.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// ListEntries lists a user's entries newest-first before a cutoff.
func (store *Store) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]wallet.LedgerEntry, error) {
	before := timeFromUnix(beforeUnixUTC)
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]wallet.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SumPostedByBucket sums posted entries per bucket up to a cutoff.
// Adjustment entries correct the wallet cache, not the ledger truth, so
// they are excluded from the expected sum.
func (store *Store) SumPostedByBucket(ctx context.Context, userID string, beforeUnixUTC int64) (wallet.Balance, error) {
	before := timeFromUnix(beforeUnixUTC)
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var sums []bucketSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("bucket, coalesce(sum(amount),0) as total").
		Where("user_id = ? AND status = ? AND kind <> ? AND created_at < ?",
			userID, wallet.StatusPosted.String(), wallet.EntryAdjust.String(), before).
		Group("bucket").
		Scan(&sums).Error
	if err != nil {
		return wallet.Balance{}, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	var balance wallet.Balance
	for _, sum := range sums {
		switch wallet.Bucket(sum.Bucket) {
		case wallet.BucketPaid:
			balance.Paid = sum.Total
		case wallet.BucketPromo:
			balance.Promo = sum.Total
		}
	}
	return balance, nil
}

// ListActiveUserIDs returns every user with ledger activity before a cutoff.
func (store *Store) ListActiveUserIDs(ctx context.Context, beforeUnixUTC int64) ([]string, error) {
	before := timeFromUnix(beforeUnixUTC)
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var userIDs []string
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Distinct("user_id").
		Where("created_at < ?", before).
		Order("user_id").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return userIDs, nil
}

// SetRiskFlagged flips the wallet's risk flag, creating the row if needed.
func (store *Store) SetRiskFlagged(ctx context.Context, userID string, flagged bool) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ?", userID).
		Update("risk_flagged", flagged)
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		created := Wallet{
			UserID:      userID,
			PromoLots:   datatypes.JSON([]byte(defaultJSONArray)),
			RiskFlagged: flagged,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}
		if err := store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&created).Error; err != nil {
			return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
		}
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

type bucketSum struct {
	Bucket string
	Total  int64
}

func mapWallet(model Wallet) (wallet.Wallet, error) {
	var lots []wallet.PromoLot
	if len(model.PromoLots) > 0 {
		if err := json.Unmarshal(model.PromoLots, &lots); err != nil {
			return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
	}
	return wallet.Wallet{
		UserID:         model.UserID,
		Paid:           model.PaidBalance,
		Promo:          model.PromoBalance,
		Lots:           lots,
		RiskFlagged:    model.RiskFlagged,
		CreatedUnixUTC: model.CreatedAt.Unix(),
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}, nil
}

func mapLedgerEntry(model LedgerEntry) (wallet.LedgerEntry, error) {
	kind, err := wallet.ParseEntryKind(model.Kind)
	if err != nil {
		return wallet.LedgerEntry{}, err
	}
	status, err := wallet.ParseEntryStatus(model.Status)
	if err != nil {
		return wallet.LedgerEntry{}, err
	}
	bucket, err := wallet.ParseBucket(model.Bucket)
	if err != nil {
		return wallet.LedgerEntry{}, err
	}
	var source wallet.Source
	if len(model.Source) > 0 {
		if err := json.Unmarshal(model.Source, &source); err != nil {
			return wallet.LedgerEntry{}, err
		}
	}
	entry := wallet.LedgerEntry{
		EntryID:        model.EntryID,
		UserID:         model.UserID,
		Kind:           kind,
		Status:         status,
		Bucket:         bucket,
		Amount:         wallet.Points(model.Amount),
		Currency:       model.Currency,
		Source:         source,
		IdempotencyKey: model.IdempotencyKey,
		MetadataJSON:   string(model.Metadata),
		CreatedUnixUTC: model.CreatedAt.Unix(),
		CreatedBy:      model.CreatedBy,
	}
	if model.BalanceAfterPaid != nil && model.BalanceAfterPromo != nil {
		entry.BalanceAfter = &wallet.Balance{
			Paid:  *model.BalanceAfterPaid,
			Promo: *model.BalanceAfterPromo,
		}
	}
	return entry, nil
}

func timeFromUnix(value int64) time.Time {
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultJSONObject))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintUserIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
