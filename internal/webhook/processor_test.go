package webhook

import (
	"context"
	"fmt"
	"testing"

	"github.com/walduae101/siraj-sub002/internal/risk"
	"github.com/walduae101/siraj-sub002/pkg/wallet"
)

const testNowUnixUTC = int64(1_700_000_000)

type walletStubStore struct {
	wallets map[string]wallet.Wallet
	entries []wallet.LedgerEntry
	byKey   map[string]wallet.LedgerEntry
}

func newWalletStubStore() *walletStubStore {
	return &walletStubStore{
		wallets: map[string]wallet.Wallet{},
		byKey:   map[string]wallet.LedgerEntry{},
	}
}

func (store *walletStubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return fn(ctx, store)
}

func (store *walletStubStore) GetWallet(ctx context.Context, userID string) (wallet.Wallet, error) {
	walletRow, ok := store.wallets[userID]
	if !ok {
		return wallet.Wallet{UserID: userID}, nil
	}
	return walletRow, nil
}

func (store *walletStubStore) GetWalletForUpdate(ctx context.Context, userID string) (wallet.Wallet, error) {
	return store.GetWallet(ctx, userID)
}

func (store *walletStubStore) SaveWallet(ctx context.Context, walletRow wallet.Wallet) error {
	store.wallets[walletRow.UserID] = walletRow
	return nil
}

func (store *walletStubStore) FindEntryByIdempotencyKey(ctx context.Context, userID string, key string) (wallet.LedgerEntry, bool, error) {
	entry, ok := store.byKey[userID+"|"+key]
	return entry, ok, nil
}

func (store *walletStubStore) InsertEntry(ctx context.Context, entry wallet.LedgerEntry) error {
	composite := entry.UserID + "|" + entry.IdempotencyKey
	if _, exists := store.byKey[composite]; exists {
		return wallet.ErrDuplicateIdempotencyKey
	}
	store.byKey[composite] = entry
	store.entries = append(store.entries, entry)
	return nil
}

func (store *walletStubStore) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]wallet.LedgerEntry, error) {
	return store.entries, nil
}

func (store *walletStubStore) SumPostedByBucket(ctx context.Context, userID string, beforeUnixUTC int64) (wallet.Balance, error) {
	return wallet.Balance{}, nil
}

func (store *walletStubStore) ListActiveUserIDs(ctx context.Context, beforeUnixUTC int64) ([]string, error) {
	return nil, nil
}

func (store *walletStubStore) SetRiskFlagged(ctx context.Context, userID string, flagged bool) error {
	walletRow := store.wallets[userID]
	walletRow.UserID = userID
	walletRow.RiskFlagged = flagged
	store.wallets[userID] = walletRow
	return nil
}

type riskStubStore struct {
	history risk.History
	events  map[string]risk.Event
}

func newRiskStubStore() *riskStubStore {
	return &riskStubStore{events: map[string]risk.Event{}}
}

func (store *riskStubStore) InsertRiskEvent(ctx context.Context, event risk.Event) error {
	store.events[event.RiskEventID] = event
	return nil
}

func (store *riskStubStore) GetRiskEvent(ctx context.Context, riskEventID string) (risk.Event, error) {
	event, ok := store.events[riskEventID]
	if !ok {
		return risk.Event{}, risk.ErrUnknownRiskEvent
	}
	return event, nil
}

func (store *riskStubStore) ListOpenHolds(ctx context.Context, limit int) ([]risk.Event, error) {
	var holds []risk.Event
	for _, event := range store.events {
		if event.Open() {
			holds = append(holds, event)
		}
	}
	return holds, nil
}

func (store *riskStubStore) ResolveRiskEvent(ctx context.Context, riskEventID string, decision risk.Decision, actor string, reason string, resolvedUnixUTC int64) error {
	event, ok := store.events[riskEventID]
	if !ok || !event.Open() {
		return risk.ErrHoldAlreadyResolved
	}
	event.Decision = decision
	event.ResolvedUnixUTC = resolvedUnixUTC
	event.ResolvedBy = actor
	event.Reason = reason
	store.events[riskEventID] = event
	return nil
}

func (store *riskStubStore) RecentHistory(ctx context.Context, userID string, ipAddress string, nowUnixUTC int64) (risk.History, error) {
	return store.history, nil
}

func (store *riskStubStore) SetRiskFlagged(ctx context.Context, userID string, flagged bool) error {
	return nil
}

type eventStubStore struct {
	inserted map[string]RawEvent
	statuses map[string]string
}

func newEventStubStore() *eventStubStore {
	return &eventStubStore{
		inserted: map[string]RawEvent{},
		statuses: map[string]string{},
	}
}

func (store *eventStubStore) InsertRawEvent(ctx context.Context, event RawEvent) error {
	if _, exists := store.inserted[event.EventID]; !exists {
		store.inserted[event.EventID] = event
	}
	return nil
}

func (store *eventStubStore) MarkRawEvent(ctx context.Context, eventID string, status string, processError string) error {
	store.statuses[eventID] = status
	return nil
}

func (store *eventStubStore) ListRawEvents(ctx context.Context, startUnixUTC int64, endUnixUTC int64, limit int) ([]RawEvent, error) {
	var events []RawEvent
	for _, event := range store.inserted {
		if event.ReceivedUnixUTC >= startUnixUTC && event.ReceivedUnixUTC < endUnixUTC && len(events) < limit {
			events = append(events, event)
		}
	}
	return events, nil
}

type fixture struct {
	processor   *Processor
	walletStore *walletStubStore
	riskStore   *riskStubStore
	eventStore  *eventStubStore
}

func newFixture(test *testing.T) *fixture {
	test.Helper()
	walletStore := newWalletStubStore()
	riskStore := newRiskStubStore()
	eventStore := newEventStubStore()
	clock := func() int64 { return testNowUnixUTC }
	counter := 0
	ledger, err := wallet.NewService(walletStore, clock, wallet.WithIDGenerator(func() string {
		counter++
		return fmt.Sprintf("id-%d", counter)
	}))
	if err != nil {
		test.Fatalf("wallet service: %v", err)
	}
	riskService, err := risk.NewService(riskStore, ledger, clock, nil)
	if err != nil {
		test.Fatalf("risk service: %v", err)
	}
	processor, err := NewProcessor(ledger, riskService, eventStore, clock, nil)
	if err != nil {
		test.Fatalf("processor: %v", err)
	}
	return &fixture{
		processor:   processor,
		walletStore: walletStore,
		riskStore:   riskStore,
		eventStore:  eventStore,
	}
}

func mustEnvelope(test *testing.T, raw string) Envelope {
	test.Helper()
	envelope, err := ParseEnvelope([]byte(raw))
	if err != nil {
		test.Fatalf("parse envelope: %v", err)
	}
	return envelope
}

func TestProcessPostsCleanOrder(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	raw := `{"id":"evt-order-1","event_type":"order.completed","data":{"order_id":"ord-1","uid":"user-1","points":200}}`

	outcome, err := fix.processor.Process(context.Background(), mustEnvelope(test, raw), []byte(raw), "203.0.113.9")
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if !outcome.Handled || outcome.Duplicate {
		test.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Decision != "posted" {
		test.Fatalf("expected posted decision, got %q", outcome.Decision)
	}
	if fix.walletStore.wallets["user-1"].Paid != 200 {
		test.Fatalf("wallet not credited, got %d", fix.walletStore.wallets["user-1"].Paid)
	}
	if fix.eventStore.statuses["evt-order-1"] != RawStatusProcessed {
		test.Fatalf("raw event not marked processed: %q", fix.eventStore.statuses["evt-order-1"])
	}
}

func TestProcessHoldsHighVelocityCredit(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.riskStore.history = risk.History{UserEventsLastHour: 5}
	raw := `{"id":"evt-order-2","event_type":"order.completed","data":{"order_id":"ord-2","uid":"user-2","points":200}}`

	outcome, err := fix.processor.Process(context.Background(), mustEnvelope(test, raw), []byte(raw), "")
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if outcome.Decision != "held" {
		test.Fatalf("expected held decision, got %q", outcome.Decision)
	}
	if fix.walletStore.wallets["user-2"].Paid != 0 {
		test.Fatalf("held credit moved the balance")
	}
	if len(fix.walletStore.entries) != 1 || fix.walletStore.entries[0].Status != wallet.StatusHeld {
		test.Fatalf("expected one held entry, got %+v", fix.walletStore.entries)
	}
	holds, _ := fix.riskStore.ListOpenHolds(context.Background(), 10)
	if len(holds) != 1 {
		test.Fatalf("expected one open hold, got %d", len(holds))
	}
}

func TestProcessReversesFlaggedUserCredit(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.riskStore.history = risk.History{UserEventsLastHour: 5}
	if err := fix.walletStore.SetRiskFlagged(context.Background(), "user-3", true); err != nil {
		test.Fatalf("flag user: %v", err)
	}
	raw := `{"id":"evt-order-3","event_type":"order.completed","data":{"order_id":"ord-3","uid":"user-3","points":200}}`

	outcome, err := fix.processor.Process(context.Background(), mustEnvelope(test, raw), []byte(raw), "")
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if outcome.Decision != "reversed" {
		test.Fatalf("expected reversed decision for flagged user, got %q", outcome.Decision)
	}
	if fix.walletStore.wallets["user-3"].Paid != 0 {
		test.Fatalf("reversed credit moved the balance")
	}
}

func TestProcessDuplicateDeliveryReturnsPriorResult(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	raw := `{"id":"evt-order-4","event_type":"order.completed","data":{"order_id":"ord-4","uid":"user-4","points":150}}`
	envelope := mustEnvelope(test, raw)

	if _, err := fix.processor.Process(context.Background(), envelope, []byte(raw), ""); err != nil {
		test.Fatalf("first process: %v", err)
	}
	second, err := fix.processor.Process(context.Background(), envelope, []byte(raw), "")
	if err != nil {
		test.Fatalf("second process: %v", err)
	}
	if !second.Duplicate {
		test.Fatalf("re-delivery not reported as duplicate")
	}
	if fix.walletStore.wallets["user-4"].Paid != 150 {
		test.Fatalf("duplicate delivery double-credited: %d", fix.walletStore.wallets["user-4"].Paid)
	}
	if len(fix.walletStore.entries) != 1 {
		test.Fatalf("duplicate delivery wrote a second entry")
	}
}

func TestProcessPromoGrantCreatesLot(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	expiry := testNowUnixUTC + 86400
	raw := fmt.Sprintf(`{"id":"evt-promo-1","event_type":"promo.granted","data":{"uid":"user-5","points":50,"expires_at":%d,"campaign_id":"ramadan"}}`, expiry)

	outcome, err := fix.processor.Process(context.Background(), mustEnvelope(test, raw), []byte(raw), "")
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if outcome.Decision != "posted" {
		test.Fatalf("expected posted promo, got %q", outcome.Decision)
	}
	walletRow := fix.walletStore.wallets["user-5"]
	if walletRow.Promo != 50 {
		test.Fatalf("promo not credited, got %d", walletRow.Promo)
	}
	if len(walletRow.Lots) != 1 || walletRow.Lots[0].ExpiresAtUnixUTC != expiry {
		test.Fatalf("promo lot missing or wrong expiry: %+v", walletRow.Lots)
	}
}

func TestProcessRefundDebitsPaidBucket(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	purchase := `{"id":"evt-order-6","event_type":"order.completed","data":{"order_id":"ord-6","uid":"user-6","points":300}}`
	if _, err := fix.processor.Process(context.Background(), mustEnvelope(test, purchase), []byte(purchase), ""); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	refund := `{"id":"evt-refund-6","event_type":"order.refunded","data":{"order_id":"ord-6","uid":"user-6","points":300}}`

	outcome, err := fix.processor.Process(context.Background(), mustEnvelope(test, refund), []byte(refund), "")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if !outcome.Handled {
		test.Fatalf("refund not handled")
	}
	if fix.walletStore.wallets["user-6"].Paid != 0 {
		test.Fatalf("refund did not debit, got %d", fix.walletStore.wallets["user-6"].Paid)
	}
	last := fix.walletStore.entries[len(fix.walletStore.entries)-1]
	if last.Kind != wallet.EntryReversal || last.Amount.Int64() != -300 {
		test.Fatalf("unexpected refund entry %+v", last)
	}
}

func TestProcessIgnoresUnknownEventType(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	raw := `{"id":"evt-unknown-1","event_type":"subscription.renewed","data":{}}`

	outcome, err := fix.processor.Process(context.Background(), mustEnvelope(test, raw), []byte(raw), "")
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if outcome.Handled {
		test.Fatalf("unknown event reported as handled")
	}
	if fix.eventStore.statuses["evt-unknown-1"] != RawStatusIgnored {
		test.Fatalf("unknown event not marked ignored: %q", fix.eventStore.statuses["evt-unknown-1"])
	}
	if len(fix.walletStore.entries) != 0 {
		test.Fatalf("unknown event wrote a ledger entry")
	}
}
