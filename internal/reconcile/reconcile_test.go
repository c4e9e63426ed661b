package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/walduae101/siraj-sub002/pkg/wallet"
)

const testNowUnixUTC = int64(1_700_000_000)

type stubStore struct {
	wallets map[string]wallet.Wallet
	entries []wallet.LedgerEntry
	byKey   map[string]wallet.LedgerEntry
	results []Result
}

func newStubStore() *stubStore {
	return &stubStore{
		wallets: map[string]wallet.Wallet{},
		byKey:   map[string]wallet.LedgerEntry{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetWallet(ctx context.Context, userID string) (wallet.Wallet, error) {
	walletRow, ok := store.wallets[userID]
	if !ok {
		return wallet.Wallet{UserID: userID}, nil
	}
	return walletRow, nil
}

func (store *stubStore) GetWalletForUpdate(ctx context.Context, userID string) (wallet.Wallet, error) {
	return store.GetWallet(ctx, userID)
}

func (store *stubStore) SaveWallet(ctx context.Context, walletRow wallet.Wallet) error {
	store.wallets[walletRow.UserID] = walletRow
	return nil
}

func (store *stubStore) FindEntryByIdempotencyKey(ctx context.Context, userID string, key string) (wallet.LedgerEntry, bool, error) {
	entry, ok := store.byKey[userID+"|"+key]
	return entry, ok, nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry wallet.LedgerEntry) error {
	composite := entry.UserID + "|" + entry.IdempotencyKey
	if _, exists := store.byKey[composite]; exists {
		return wallet.ErrDuplicateIdempotencyKey
	}
	store.byKey[composite] = entry
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]wallet.LedgerEntry, error) {
	return store.entries, nil
}

func (store *stubStore) SumPostedByBucket(ctx context.Context, userID string, beforeUnixUTC int64) (wallet.Balance, error) {
	var balance wallet.Balance
	for _, entry := range store.entries {
		if entry.UserID != userID || entry.Status != wallet.StatusPosted || entry.Kind == wallet.EntryAdjust {
			continue
		}
		switch entry.Bucket {
		case wallet.BucketPaid:
			balance.Paid += entry.Amount.Int64()
		case wallet.BucketPromo:
			balance.Promo += entry.Amount.Int64()
		}
	}
	return balance, nil
}

func (store *stubStore) ListActiveUserIDs(ctx context.Context, beforeUnixUTC int64) ([]string, error) {
	seen := map[string]bool{}
	var userIDs []string
	for _, entry := range store.entries {
		if !seen[entry.UserID] {
			seen[entry.UserID] = true
			userIDs = append(userIDs, entry.UserID)
		}
	}
	return userIDs, nil
}

func (store *stubStore) SetRiskFlagged(ctx context.Context, userID string, flagged bool) error {
	return nil
}

func (store *stubStore) InsertReconciliationResult(ctx context.Context, result Result) error {
	store.results = append(store.results, result)
	return nil
}

func newTestJob(test *testing.T, store *stubStore) *Job {
	test.Helper()
	clock := func() int64 { return testNowUnixUTC }
	counter := 0
	ledger, err := wallet.NewService(store, clock, wallet.WithIDGenerator(func() string {
		counter++
		return fmt.Sprintf("id-%d", counter)
	}))
	if err != nil {
		test.Fatalf("wallet service: %v", err)
	}
	job, err := NewJob(store, store, ledger, clock, nil)
	if err != nil {
		test.Fatalf("new job: %v", err)
	}
	job.idFn = func() string { return "run-1" }
	return job
}

func postedEntry(userID string, eventID string, bucket wallet.Bucket, amount int64) wallet.LedgerEntry {
	return wallet.LedgerEntry{
		EntryID:        "seed-" + eventID,
		UserID:         userID,
		Kind:           wallet.EntryPurchase,
		Status:         wallet.StatusPosted,
		Bucket:         bucket,
		Amount:         wallet.Points(amount),
		Currency:       wallet.CurrencyPoints,
		Source:         wallet.Source{EventID: eventID},
		IdempotencyKey: "evt:" + eventID,
		CreatedUnixUTC: testNowUnixUTC - 7200,
	}
}

func TestRunLeavesConsistentWalletsAlone(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	if err := store.InsertEntry(context.Background(), postedEntry("user-1", "evt-1", wallet.BucketPaid, 100)); err != nil {
		test.Fatalf("seed entry: %v", err)
	}
	store.wallets["user-1"] = wallet.Wallet{UserID: "user-1", Paid: 100}
	job := newTestJob(test, store)

	summary, err := job.Run(context.Background(), time.Unix(testNowUnixUTC, 0).UTC())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if summary.Total != 1 || summary.Clean != 1 || summary.Adjusted != 0 {
		test.Fatalf("unexpected summary %+v", summary)
	}
	if len(store.results) != 1 || store.results[0].Adjusted {
		test.Fatalf("clean wallet recorded as adjusted: %+v", store.results)
	}
	if store.wallets["user-1"].Paid != 100 {
		test.Fatalf("clean wallet was modified")
	}
}

func TestRunCorrectsDriftedWallet(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	if err := store.InsertEntry(context.Background(), postedEntry("user-2", "evt-2", wallet.BucketPaid, 100)); err != nil {
		test.Fatalf("seed entry: %v", err)
	}
	store.wallets["user-2"] = wallet.Wallet{UserID: "user-2", Paid: 120}
	job := newTestJob(test, store)

	summary, err := job.Run(context.Background(), time.Unix(testNowUnixUTC, 0).UTC())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if summary.Adjusted != 1 {
		test.Fatalf("drift not counted: %+v", summary)
	}
	if summary.TotalDelta != 20 {
		test.Fatalf("expected total delta 20, got %d", summary.TotalDelta)
	}
	if store.wallets["user-2"].Paid != 100 {
		test.Fatalf("wallet not corrected, got %d", store.wallets["user-2"].Paid)
	}
	result := store.results[0]
	if !result.Adjusted || result.Delta.Paid != -20 {
		test.Fatalf("unexpected result %+v", result)
	}
	last := store.entries[len(store.entries)-1]
	if last.Kind != wallet.EntryAdjust || last.Amount.Int64() != -20 {
		test.Fatalf("unexpected adjustment entry %+v", last)
	}
	if last.Source.EventID != "recon:run-1:paid" {
		test.Fatalf("unexpected adjustment source %q", last.Source.EventID)
	}
}

func TestRunConvergesAfterCorrection(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	if err := store.InsertEntry(context.Background(), postedEntry("user-3", "evt-3", wallet.BucketPaid, 100)); err != nil {
		test.Fatalf("seed entry: %v", err)
	}
	store.wallets["user-3"] = wallet.Wallet{UserID: "user-3", Paid: 120}
	job := newTestJob(test, store)

	if _, err := job.Run(context.Background(), time.Unix(testNowUnixUTC, 0).UTC()); err != nil {
		test.Fatalf("first run: %v", err)
	}
	job.idFn = func() string { return "run-2" }
	summary, err := job.Run(context.Background(), time.Unix(testNowUnixUTC, 0).UTC())
	if err != nil {
		test.Fatalf("second run: %v", err)
	}
	if summary.Adjusted != 0 || summary.Clean != 1 {
		test.Fatalf("correction did not converge: %+v", summary)
	}
	if store.wallets["user-3"].Paid != 100 {
		test.Fatalf("second run moved the balance to %d", store.wallets["user-3"].Paid)
	}
}

func TestRunSweepsExpiredLotsBeforeComparing(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	entry := postedEntry("user-5", "evt-5", wallet.BucketPromo, 40)
	entry.Kind = wallet.EntryPromoCredit
	if err := store.InsertEntry(context.Background(), entry); err != nil {
		test.Fatalf("seed entry: %v", err)
	}
	store.wallets["user-5"] = wallet.Wallet{
		UserID: "user-5",
		Promo:  40,
		Lots: []wallet.PromoLot{{
			LotID:            "lot-expired",
			Amount:           40,
			AmountRemaining:  40,
			ExpiresAtUnixUTC: testNowUnixUTC - 60,
			CreatedUnixUTC:   testNowUnixUTC - 7200,
		}},
	}
	job := newTestJob(test, store)

	summary, err := job.Run(context.Background(), time.Unix(testNowUnixUTC, 0).UTC())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if summary.Adjusted != 0 || summary.Clean != 1 {
		test.Fatalf("sweep left the wallet inconsistent: %+v", summary)
	}
	walletRow := store.wallets["user-5"]
	if walletRow.Promo != 0 || len(walletRow.Lots) != 0 {
		test.Fatalf("expired lot not swept: %+v", walletRow)
	}
	last := store.entries[len(store.entries)-1]
	if last.Kind != wallet.EntryExpire || last.Amount.Int64() != -40 {
		test.Fatalf("missing expire entry: %+v", last)
	}
}

func TestRunCorrectsPromoDriftWithoutLots(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	entry := postedEntry("user-4", "evt-4", wallet.BucketPromo, 50)
	entry.Kind = wallet.EntryPromoCredit
	if err := store.InsertEntry(context.Background(), entry); err != nil {
		test.Fatalf("seed entry: %v", err)
	}
	store.wallets["user-4"] = wallet.Wallet{UserID: "user-4", Promo: 80}
	job := newTestJob(test, store)

	summary, err := job.Run(context.Background(), time.Unix(testNowUnixUTC, 0).UTC())
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if summary.Adjusted != 1 {
		test.Fatalf("promo drift not corrected: %+v", summary)
	}
	if store.wallets["user-4"].Promo != 50 {
		test.Fatalf("promo balance not corrected, got %d", store.wallets["user-4"].Promo)
	}
}
