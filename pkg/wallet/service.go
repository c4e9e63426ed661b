package wallet

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Service contains the ledger-writer domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	idFn   func() string
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, idFn: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreateLedgerEntry appends one immutable entry and updates the wallet in a
// single transaction. Re-delivery of the same source is an idempotent no-op
// that returns the prior result.
func (service *Service) CreateLedgerEntry(ctx context.Context, userID UserID, draft EntryDraft, actor string) (Receipt, error) {
	var receipt Receipt
	operationError := service.createLedgerEntry(ctx, userID, draft, actor, &receipt)
	baseKey, _ := draft.Source.IdempotencyKey()
	service.logOperation(ctx, OperationLog{
		Operation:      operationCreateEntry,
		UserID:         userID,
		Kind:           draft.Kind,
		Amount:         draft.Amount,
		IdempotencyKey: baseKey,
		Duplicate:      receipt.Duplicate,
		BalanceAfter:   receipt.Balance,
		Error:          operationError,
	})
	return receipt, operationError
}

func (service *Service) createLedgerEntry(ctx context.Context, userID UserID, draft EntryDraft, actor string, receipt *Receipt) error {
	if err := draft.Validate(); err != nil {
		return err
	}
	metadata, err := NewMetadataJSON(draft.MetadataJSON)
	if err != nil {
		return err
	}
	baseKey, err := draft.Source.IdempotencyKey()
	if err != nil {
		return err
	}
	storageKey := storageKeyForStatus(baseKey, draft.Status)
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		walletRow, err := txStore.GetWalletForUpdate(ctx, userID.String())
		if err != nil {
			return err
		}
		for _, candidateKey := range service.replayKeys(baseKey, storageKey, draft) {
			existing, found, err := txStore.FindEntryByIdempotencyKey(ctx, userID.String(), candidateKey)
			if err != nil {
				return err
			}
			if found {
				*receipt = Receipt{
					EntryID:   existing.EntryID,
					Balance:   replayBalance(existing, walletRow),
					Duplicate: true,
				}
				return nil
			}
		}
		nowUnixUTC := service.nowFn()
		entry := LedgerEntry{
			EntryID:        service.idFn(),
			UserID:         userID.String(),
			Kind:           draft.Kind,
			Status:         draft.Status,
			Bucket:         draft.Bucket,
			Amount:         draft.Amount,
			Currency:       CurrencyPoints,
			Source:         draft.Source,
			IdempotencyKey: storageKey,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: nowUnixUTC,
			CreatedBy:      actor,
		}
		if draft.Status == StatusPosted {
			if err := applyPostedDraft(&walletRow, draft, service.idFn, nowUnixUTC); err != nil {
				return err
			}
			walletRow.UpdatedUnixUTC = nowUnixUTC
			if err := txStore.SaveWallet(ctx, walletRow); err != nil {
				return err
			}
			balanceAfter := Balance{Paid: walletRow.Paid, Promo: walletRow.Promo}
			entry.BalanceAfter = &balanceAfter
		}
		if err := txStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		*receipt = Receipt{
			EntryID: entry.EntryID,
			Balance: Balance{Paid: walletRow.Paid, Promo: walletRow.Promo},
		}
		return nil
	})
}

// FindBySource returns any prior entry recorded for the source, whether it
// was posted, held, or reversed.
func (service *Service) FindBySource(ctx context.Context, userID UserID, source Source) (LedgerEntry, bool, error) {
	baseKey, err := source.IdempotencyKey()
	if err != nil {
		return LedgerEntry{}, false, err
	}
	for _, candidateKey := range idempotencyVariants(baseKey) {
		entry, found, err := service.store.FindEntryByIdempotencyKey(ctx, userID.String(), candidateKey)
		if err != nil {
			return LedgerEntry{}, false, err
		}
		if found {
			return entry, true, nil
		}
	}
	return LedgerEntry{}, false, nil
}

// Balance returns the stored paid and promo balances.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	walletRow, err := service.store.GetWallet(ctx, userID.String())
	if err != nil {
		return Balance{}, err
	}
	return Balance{Paid: walletRow.Paid, Promo: walletRow.Promo}, nil
}

// GetWallet returns the full wallet aggregate, lots included.
func (service *Service) GetWallet(ctx context.Context, userID UserID) (Wallet, error) {
	return service.store.GetWallet(ctx, userID.String())
}

// ListEntries lists ledger entries for a user before a cutoff time.
func (service *Service) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	return service.store.ListEntries(ctx, userID.String(), beforeUnixUTC, limit)
}

// ExpirePromoLots sweeps expired promo lots into expire entries and returns
// how many lots were swept.
func (service *Service) ExpirePromoLots(ctx context.Context, userID UserID, actor string) (int, error) {
	swept := 0
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		walletRow, err := txStore.GetWalletForUpdate(ctx, userID.String())
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		kept := make([]PromoLot, 0, len(walletRow.Lots))
		for _, lot := range walletRow.Lots {
			if lot.ExpiresAtUnixUTC == 0 || lot.ExpiresAtUnixUTC > nowUnixUTC {
				kept = append(kept, lot)
				continue
			}
			if lot.AmountRemaining > 0 {
				walletRow.Promo -= lot.AmountRemaining
				balanceAfter := Balance{Paid: walletRow.Paid, Promo: walletRow.Promo}
				entry := LedgerEntry{
					EntryID:        service.idFn(),
					UserID:         userID.String(),
					Kind:           EntryExpire,
					Status:         StatusPosted,
					Bucket:         BucketPromo,
					Amount:         Points(-lot.AmountRemaining),
					Currency:       CurrencyPoints,
					Source:         Source{EventID: "expire:" + lot.LotID},
					IdempotencyKey: idempotencyPrefixEvent + idempotencyKeyDelimiter + "expire:" + lot.LotID,
					BalanceAfter:   &balanceAfter,
					MetadataJSON:   "{}",
					CreatedUnixUTC: nowUnixUTC,
					CreatedBy:      actor,
				}
				if err := txStore.InsertEntry(ctx, entry); err != nil {
					return err
				}
			}
			swept++
		}
		if swept == 0 {
			return nil
		}
		walletRow.Lots = kept
		walletRow.UpdatedUnixUTC = nowUnixUTC
		return txStore.SaveWallet(ctx, walletRow)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationExpireLots,
		UserID:    userID,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return swept, nil
}

// replayKeys lists the idempotency keys whose presence short-circuits this
// draft. Resolution writes carry a risk-event reference and are allowed to
// follow the held entry they resolve, so they only match their own key.
func (service *Service) replayKeys(baseKey string, storageKey string, draft EntryDraft) []string {
	if draft.Source.RiskEventID != "" {
		return []string{storageKey}
	}
	return idempotencyVariants(baseKey)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func storageKeyForStatus(baseKey string, status EntryStatus) string {
	switch status {
	case StatusHeld:
		return baseKey + idempotencyKeyDelimiter + idempotencySuffixHeld
	case StatusReversed:
		return baseKey + idempotencyKeyDelimiter + idempotencySuffixReversed
	}
	return baseKey
}

func idempotencyVariants(baseKey string) []string {
	return []string{
		baseKey,
		baseKey + idempotencyKeyDelimiter + idempotencySuffixHeld,
		baseKey + idempotencyKeyDelimiter + idempotencySuffixReversed,
	}
}

func replayBalance(existing LedgerEntry, walletRow Wallet) Balance {
	if existing.BalanceAfter != nil {
		return *existing.BalanceAfter
	}
	return Balance{Paid: walletRow.Paid, Promo: walletRow.Promo}
}

func applyPostedDraft(walletRow *Wallet, draft EntryDraft, idFn func() string, nowUnixUTC int64) error {
	amount := draft.Amount.Int64()
	switch draft.Bucket {
	case BucketPaid:
		next := walletRow.Paid + amount
		if next < 0 {
			return ErrInsufficientPaidBalance
		}
		walletRow.Paid = next
	case BucketPromo:
		if draft.Kind == EntryAdjust {
			// Reconciliation corrections move the counter without touching
			// lots; drift is in the balance, not the lot ledger.
			walletRow.Promo += amount
			return nil
		}
		if amount > 0 {
			walletRow.Promo += amount
			if draft.Kind == EntryPromoCredit {
				walletRow.Lots = append(walletRow.Lots, PromoLot{
					LotID:            idFn(),
					Amount:           amount,
					AmountRemaining:  amount,
					ExpiresAtUnixUTC: draft.ExpiresAtUnixUTC,
					CreatedUnixUTC:   nowUnixUTC,
				})
			}
			return nil
		}
		lots, err := consumePromoLots(walletRow.Lots, -amount, nowUnixUTC)
		if err != nil {
			return err
		}
		walletRow.Lots = lots
		walletRow.Promo += amount
	}
	return nil
}

// consumePromoLots debits promo lots soonest-expiring-first. Expired lots
// are left for the sweep and never consumed.
func consumePromoLots(lots []PromoLot, debit int64, nowUnixUTC int64) ([]PromoLot, error) {
	consumable := make([]PromoLot, 0, len(lots))
	expired := make([]PromoLot, 0)
	for _, lot := range lots {
		if lot.ExpiresAtUnixUTC != 0 && lot.ExpiresAtUnixUTC <= nowUnixUTC {
			expired = append(expired, lot)
			continue
		}
		consumable = append(consumable, lot)
	}
	sort.SliceStable(consumable, func(left, right int) bool {
		leftExpiry := consumable[left].ExpiresAtUnixUTC
		rightExpiry := consumable[right].ExpiresAtUnixUTC
		if leftExpiry == 0 {
			return false
		}
		if rightExpiry == 0 {
			return true
		}
		if leftExpiry != rightExpiry {
			return leftExpiry < rightExpiry
		}
		return consumable[left].CreatedUnixUTC < consumable[right].CreatedUnixUTC
	})
	available := int64(0)
	for _, lot := range consumable {
		available += lot.AmountRemaining
	}
	if available < debit {
		return nil, ErrInsufficientPromoBalance
	}
	remaining := debit
	kept := make([]PromoLot, 0, len(lots))
	for _, lot := range consumable {
		if remaining <= 0 {
			kept = append(kept, lot)
			continue
		}
		take := lot.AmountRemaining
		if take > remaining {
			take = remaining
		}
		lot.AmountRemaining -= take
		remaining -= take
		if lot.AmountRemaining > 0 {
			kept = append(kept, lot)
		}
	}
	return append(kept, expired...), nil
}
