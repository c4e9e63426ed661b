package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Points is a signed point delta. Credits are positive, debits negative.
type Points int64

// Int64 returns the raw delta.
func (points Points) Int64() int64 {
	return int64(points)
}

// NewPoints validates a delta and ensures it is non-zero.
func NewPoints(raw int64) (Points, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must be non-zero", ErrInvalidAmount)
	}
	return Points(raw), nil
}

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryPurchase    EntryKind = "purchase"
	EntryPromoCredit EntryKind = "promo_credit"
	EntrySpend       EntryKind = "spend"
	EntryExpire      EntryKind = "expire"
	EntryAdjust      EntryKind = "adjust"
	EntryReversal    EntryKind = "reversal"
)

// String returns the stored representation.
func (kind EntryKind) String() string {
	return string(kind)
}

// ParseEntryKind validates a stored kind value.
func ParseEntryKind(raw string) (EntryKind, error) {
	kind := EntryKind(raw)
	switch kind {
	case EntryPurchase, EntryPromoCredit, EntrySpend, EntryExpire, EntryAdjust, EntryReversal:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// EntryStatus enumerates ledger entry lifecycle states.
type EntryStatus string

const (
	StatusPosted   EntryStatus = "posted"
	StatusHeld     EntryStatus = "held"
	StatusReversed EntryStatus = "reversed"
)

// String returns the stored representation.
func (status EntryStatus) String() string {
	return string(status)
}

// ParseEntryStatus validates a stored status value.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	status := EntryStatus(raw)
	switch status {
	case StatusPosted, StatusHeld, StatusReversed:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
}

// Bucket names the balance a ledger entry affects.
type Bucket string

const (
	BucketPaid  Bucket = "paid"
	BucketPromo Bucket = "promo"
)

// String returns the stored representation.
func (bucket Bucket) String() string {
	return string(bucket)
}

// ParseBucket validates a stored bucket value.
func ParseBucket(raw string) (Bucket, error) {
	bucket := Bucket(raw)
	switch bucket {
	case BucketPaid, BucketPromo:
		return bucket, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBucket, raw)
}

// Source records where a ledger entry came from. The event id (preferred)
// or order id doubles as the idempotency scope for webhook re-delivery.
type Source struct {
	EventID        string `json:"eventId,omitempty"`
	OrderID        string `json:"orderId,omitempty"`
	ProductID      string `json:"productId,omitempty"`
	ProductVersion string `json:"productVersion,omitempty"`
	RiskEventID    string `json:"riskEventId,omitempty"`
	MigrationTag   string `json:"migrationTag,omitempty"`
}

// IdempotencyKey derives the deduplication key for this source.
func (source Source) IdempotencyKey() (string, error) {
	if trimmed := strings.TrimSpace(source.EventID); trimmed != "" {
		return idempotencyPrefixEvent + idempotencyKeyDelimiter + trimmed, nil
	}
	if trimmed := strings.TrimSpace(source.OrderID); trimmed != "" {
		return idempotencyPrefixOrder + idempotencyKeyDelimiter + trimmed, nil
	}
	return "", ErrMissingSourceID
}

// PromoLot is a batch of promotional points with its own expiry.
type PromoLot struct {
	LotID            string `json:"lotId"`
	Amount           int64  `json:"amount"`
	AmountRemaining  int64  `json:"amountRemaining"`
	ExpiresAtUnixUTC int64  `json:"expiresAtUnixUTC"`
	CreatedUnixUTC   int64  `json:"createdUnixUTC"`
}

// Balance is the paid/promo balance pair for one wallet.
type Balance struct {
	Paid  int64 `json:"paid"`
	Promo int64 `json:"promo"`
}

// Wallet is the derived balance aggregate for one user. It is a cache of
// the ledger and is only mutated through Service transactions.
type Wallet struct {
	UserID         string
	Paid           int64
	Promo          int64
	Lots           []PromoLot
	RiskFlagged    bool
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// LedgerEntry is a single immutable line in the ledger.
type LedgerEntry struct {
	EntryID        string
	UserID         string
	Kind           EntryKind
	Status         EntryStatus
	Bucket         Bucket
	Amount         Points
	Currency       string
	Source         Source
	IdempotencyKey string
	BalanceAfter   *Balance
	MetadataJSON   string
	CreatedUnixUTC int64
	CreatedBy      string
}

// EntryDraft describes a ledger entry before it is written.
type EntryDraft struct {
	Kind             EntryKind
	Status           EntryStatus
	Bucket           Bucket
	Amount           Points
	Source           Source
	ExpiresAtUnixUTC int64
	MetadataJSON     string
}

// Validate checks the draft against the kind and sign conventions.
func (draft EntryDraft) Validate() error {
	if _, err := ParseEntryKind(draft.Kind.String()); err != nil {
		return err
	}
	if _, err := ParseEntryStatus(draft.Status.String()); err != nil {
		return err
	}
	if _, err := ParseBucket(draft.Bucket.String()); err != nil {
		return err
	}
	if draft.Amount == 0 {
		return fmt.Errorf("%w: must be non-zero", ErrInvalidAmount)
	}
	switch draft.Kind {
	case EntryPurchase, EntryPromoCredit:
		if draft.Amount < 0 {
			return fmt.Errorf("%w: %s amount must be positive", ErrInvalidAmount, draft.Kind)
		}
	case EntrySpend, EntryReversal:
		if draft.Amount > 0 {
			return fmt.Errorf("%w: %s amount must be negative", ErrInvalidAmount, draft.Kind)
		}
	case EntryExpire:
		// Expiry entries are written by the lot sweep, never by callers.
		return fmt.Errorf("%w: expire entries are reserved for the lot sweep", ErrInvalidEntryKind)
	}
	if draft.Kind == EntryPromoCredit && draft.Bucket != BucketPromo {
		return fmt.Errorf("%w: promo_credit must target the promo bucket", ErrInvalidBucket)
	}
	if _, err := draft.Source.IdempotencyKey(); err != nil {
		return err
	}
	return nil
}

// Receipt is the result of a ledger write.
type Receipt struct {
	EntryID   string
	Balance   Balance
	Duplicate bool
}

// Store is the persistence contract used by Service. Implementations must
// serialize GetWalletForUpdate per user inside WithTx.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetWallet(ctx context.Context, userID string) (Wallet, error)
	GetWalletForUpdate(ctx context.Context, userID string) (Wallet, error)
	SaveWallet(ctx context.Context, wallet Wallet) error
	FindEntryByIdempotencyKey(ctx context.Context, userID string, key string) (LedgerEntry, bool, error)
	InsertEntry(ctx context.Context, entry LedgerEntry) error
	ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error)
	SumPostedByBucket(ctx context.Context, userID string, beforeUnixUTC int64) (Balance, error)
	ListActiveUserIDs(ctx context.Context, beforeUnixUTC int64) ([]string, error)
	SetRiskFlagged(ctx context.Context, userID string, flagged bool) error
}
