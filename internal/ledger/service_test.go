package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/freshchain/freshchain/internal/cryptoengine"
	"github.com/freshchain/freshchain/internal/retryqueue"
	"github.com/freshchain/freshchain/internal/txarchive"
	"github.com/freshchain/freshchain/internal/txstore"
)

// Key generation is expensive, so every test shares one engine.
var (
	engineOnce sync.Once
	engine     *cryptoengine.Engine
	engineErr  error
)

func testEngine(t *testing.T) *cryptoengine.Engine {
	t.Helper()
	engineOnce.Do(func() {
		engine, engineErr = cryptoengine.New(cryptoengine.DefaultKeyGenerations)
	})
	if engineErr != nil {
		t.Fatalf("engine init: %v", engineErr)
	}
	return engine
}

// fakeChain is a scriptable remote node. failures counts down the number of
// Submit calls to reject before accepting.
type fakeChain struct {
	mu        sync.Mutex
	failures  int
	rejectFn  func(tx *txstore.Transaction) bool
	submitted []*txstore.Transaction
	up        bool
}

func (c *fakeChain) Submit(_ context.Context, tx *txstore.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("chain node unreachable")
	}
	if c.rejectFn != nil && c.rejectFn(tx) {
		return errors.New("transaction rejected")
	}
	c.submitted = append(c.submitted, tx)
	return nil
}

func (c *fakeChain) Connected(context.Context) bool { return c.up }

func (c *fakeChain) submittedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submitted)
}

func newService(t *testing.T, cfg Config, chain ChainClient) (*Service, *retryqueue.MemorySink) {
	t.Helper()
	sink := retryqueue.NewMemorySink()
	svc, err := New(cfg, testEngine(t), chain, sink, 2, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, sink
}

func newLocalService(t *testing.T) *Service {
	t.Helper()
	svc, _ := newService(t, Config{Mode: ModeLocal}, nil)
	return svc
}

func TestNew_remoteModeRequiresChain(t *testing.T) {
	sink := retryqueue.NewMemorySink()
	if _, err := New(Config{Mode: ModeRemote}, testEngine(t), nil, sink, 2, zap.NewNop()); err == nil {
		t.Error("remote mode without a chain client was accepted")
	}
}

func TestService_recordThenVerify(t *testing.T) {
	svc := newLocalService(t)
	ctx := context.Background()

	res, err := svc.RecordSensorData(ctx, "sensor-7", map[string]any{
		"temperature": 4.2,
		"humidity":    88.0,
	})
	if err != nil {
		t.Fatalf("RecordSensorData: %v", err)
	}
	if res.Status != StatusSubmitted {
		t.Fatalf("status = %q, want %q", res.Status, StatusSubmitted)
	}
	if res.Hash == "" {
		t.Fatal("empty transaction hash")
	}

	v := svc.VerifyTransaction(res.Hash)
	if !v.SignatureValid {
		t.Error("signature did not verify")
	}
	if !v.MerkleRootValid {
		t.Error("merkle root did not verify")
	}
	if !v.Verified {
		t.Error("transaction not verified")
	}
	if v.Payload["sensor_id"] != "sensor-7" {
		t.Errorf("payload sensor_id = %v", v.Payload["sensor_id"])
	}
	if v.Payload["type"] != string(txstore.KindSensorReading) {
		t.Errorf("payload type = %v", v.Payload["type"])
	}
}

func TestService_verifyUnknownHash(t *testing.T) {
	svc := newLocalService(t)
	v := svc.VerifyTransaction("does-not-exist")
	if v.Verified || v.SignatureValid || v.MerkleRootValid {
		t.Errorf("unknown hash verified: %+v", v)
	}
}

func TestService_laterRecordsKeepEarlierOnesVerifiable(t *testing.T) {
	svc := newLocalService(t)
	ctx := context.Background()

	first, err := svc.RecordQualityCheck(ctx, "ship-1", map[string]any{"grade": "A"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.RecordQualityCheck(ctx, "ship-1", map[string]any{"grade": "B", "round": i}); err != nil {
			t.Fatal(err)
		}
	}

	if v := svc.VerifyTransaction(first.Hash); !v.Verified {
		t.Errorf("earliest transaction failed verification after appends: %+v", v)
	}
}

func TestService_sensitiveFieldsEncryptedAtRest(t *testing.T) {
	svc, _ := newService(t, Config{Mode: ModeLocal, EncryptionSecret: "orchard-secret"}, nil)
	ctx := context.Background()

	res, err := svc.RecordQualityCheck(ctx, "ship-9", map[string]any{
		"grade":        "A",
		"access_token": "abc",
	})
	if err != nil {
		t.Fatalf("RecordQualityCheck: %v", err)
	}

	stored, ok := svc.Store().Get(res.Hash)
	if !ok {
		t.Fatal("transaction missing from store")
	}
	if len(stored.EncryptedFields) != 1 || stored.EncryptedFields[0] != "quality_data.access_token" {
		t.Fatalf("EncryptedFields = %v", stored.EncryptedFields)
	}

	inner, ok := stored.Payload["quality_data"].(map[string]any)
	if !ok {
		t.Fatal("quality_data missing from stored payload")
	}
	sealed, ok := inner["access_token"].(map[string]any)
	if !ok {
		t.Fatalf("access_token stored in the clear: %v", inner["access_token"])
	}
	ct, _ := sealed["ciphertext"].(string)
	if ct == "" || strings.Contains(ct, "abc") {
		t.Errorf("sealed value leaks plaintext: %v", sealed)
	}
	if inner["grade"] != "A" {
		t.Errorf("non-sensitive sibling was touched: %v", inner["grade"])
	}

	// Verification decrypts and checks the signature over the plaintext.
	v := svc.VerifyTransaction(res.Hash)
	if !v.Verified {
		t.Fatalf("encrypted transaction failed verification: %+v", v)
	}
	plainInner, _ := v.Payload["quality_data"].(map[string]any)
	if plainInner["access_token"] != "abc" {
		t.Errorf("decrypted access_token = %v", plainInner["access_token"])
	}
}

func TestService_concurrentQualityChecks(t *testing.T) {
	svc := newLocalService(t)
	ctx := context.Background()

	const n = 8
	hashes := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.RecordQualityCheck(ctx, "ship-1", map[string]any{"inspector": i})
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			hashes[i] = res.Hash
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i, h := range hashes {
		if h == "" {
			t.Fatalf("worker %d produced no hash", i)
		}
		if seen[h] {
			t.Errorf("duplicate hash %s", h)
		}
		seen[h] = true
	}

	history := svc.GetShipmentHistory("ship-1")
	if len(history) != n {
		t.Fatalf("history holds %d transactions, want %d", len(history), n)
	}
	for i := 1; i < len(history); i++ {
		if history[i-1].Timestamp > history[i].Timestamp {
			t.Errorf("history out of order at %d", i)
		}
	}

	// Racing records must not anchor against prefixes missing each other:
	// every transaction verifies once the dust settles.
	for i, h := range hashes {
		if v := svc.VerifyTransaction(h); !v.Verified {
			t.Errorf("worker %d: verified=%v sig=%v merkle=%v",
				i, v.Verified, v.SignatureValid, v.MerkleRootValid)
		}
	}
}

func TestService_shipmentAndCrateHistory(t *testing.T) {
	svc := newLocalService(t)
	ctx := context.Background()

	res, err := svc.CreateShipmentRecord(ctx, map[string]any{"origin": "Valencia"})
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := svc.Store().Get(res.Hash)
	shipmentID, _ := stored.Payload["shipment_id"].(string)
	if shipmentID == "" {
		t.Fatal("shipment_id was not generated")
	}

	if _, err := svc.UpdateShipmentStatus(ctx, shipmentID, "in_transit", map[string]any{"lat": 39.47, "lon": -0.38}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordRipenessAnalysis(ctx, "crate-5", map[string]any{"ripeness": 0.72}); err != nil {
		t.Fatal(err)
	}

	history := svc.GetShipmentHistory(shipmentID)
	if len(history) != 2 {
		t.Fatalf("shipment history holds %d, want 2", len(history))
	}
	if history[0].Kind != txstore.KindShipmentCreation || history[1].Kind != txstore.KindShipmentUpdate {
		t.Errorf("history kinds: %q, %q", history[0].Kind, history[1].Kind)
	}

	crates := svc.GetCrateHistory("crate-5")
	if len(crates) != 1 || crates[0].Kind != txstore.KindRipenessAnalysis {
		t.Errorf("crate history: %v", crates)
	}
	if len(svc.GetCrateHistory("crate-404")) != 0 {
		t.Error("unknown crate returned history")
	}
}

func TestService_generateReportFilters(t *testing.T) {
	svc := newLocalService(t)

	seed := []struct {
		hash, shipment, ts string
	}{
		{"h-jan", "ship-1", "2026-01-15T00:00:00.000000Z"},
		{"h-feb", "ship-1", "2026-02-15T00:00:00.000000Z"},
		{"h-mar", "ship-2", "2026-03-15T00:00:00.000000Z"},
	}
	for _, s := range seed {
		err := svc.IngestPrepared(&txstore.Transaction{
			Kind:      txstore.KindShipmentUpdate,
			Payload:   map[string]any{"shipment_id": s.shipment},
			Timestamp: s.ts,
			Hash:      s.hash,
		})
		if err != nil {
			t.Fatalf("IngestPrepared: %v", err)
		}
	}

	all := svc.GenerateReport(ReportFilter{})
	if all.TotalCount != 3 {
		t.Errorf("unfiltered count = %d, want 3", all.TotalCount)
	}
	if all.GeneratedAt == "" {
		t.Error("report missing generation timestamp")
	}

	byShipment := svc.GenerateReport(ReportFilter{ShipmentID: "ship-1"})
	if byShipment.TotalCount != 2 {
		t.Errorf("ship-1 count = %d, want 2", byShipment.TotalCount)
	}

	byDate := svc.GenerateReport(ReportFilter{
		StartDate: "2026-02-01T00:00:00.000000Z",
		EndDate:   "2026-02-28T23:59:59.999999Z",
	})
	if byDate.TotalCount != 1 || byDate.Transactions[0].Hash != "h-feb" {
		t.Errorf("february report: %+v", byDate)
	}

	both := svc.GenerateReport(ReportFilter{ShipmentID: "ship-1", StartDate: "2026-02-01T00:00:00.000000Z"})
	if both.TotalCount != 1 || both.Transactions[0].Hash != "h-feb" {
		t.Errorf("conjunctive report: %+v", both)
	}

	none := svc.GenerateReport(ReportFilter{ShipmentID: "ship-404"})
	if none.TotalCount != 0 {
		t.Errorf("unknown shipment matched %d", none.TotalCount)
	}
}

func TestService_remoteSubmitFailureQueuesForRetry(t *testing.T) {
	chain := &fakeChain{failures: 1}
	svc, _ := newService(t, Config{Mode: ModeRemote, RetryInterval: time.Millisecond}, chain)
	ctx := context.Background()

	res, err := svc.RecordSensorData(ctx, "sensor-1", map[string]any{"temperature": 3.0})
	if err != nil {
		t.Fatalf("RecordSensorData: %v", err)
	}
	if res.Status != StatusQueuedForRetry {
		t.Fatalf("status = %q, want %q", res.Status, StatusQueuedForRetry)
	}
	if _, ok := svc.Store().Get(res.Hash); ok {
		t.Error("failed submission was cached locally")
	}
	if got := svc.GetTransactionStatus(ctx, res.Hash); got != OutcomePendingRetry {
		t.Errorf("status poll = %q, want %q", got, OutcomePendingRetry)
	}

	// The chain is back up; one retry pass recovers the transaction with
	// its original hash.
	svc.drainRetries()

	if _, ok := svc.Store().Get(res.Hash); !ok {
		t.Error("recovered transaction missing from store")
	}
	if got := svc.GetTransactionStatus(ctx, res.Hash); got != OutcomeConfirmed {
		t.Errorf("status poll after recovery = %q, want %q", got, OutcomeConfirmed)
	}
	if chain.submittedCount() != 1 {
		t.Errorf("chain received %d submissions, want 1", chain.submittedCount())
	}
}

func TestService_retryExhaustionDeadLetters(t *testing.T) {
	chain := &fakeChain{failures: 1000}
	svc, sink := newService(t, Config{Mode: ModeRemote, RetryInterval: time.Millisecond}, chain)
	ctx := context.Background()

	res, err := svc.RecordSensorData(ctx, "sensor-1", map[string]any{"temperature": 3.0})
	if err != nil {
		t.Fatal(err)
	}

	// maxRetries is 2; two failing passes exhaust the entry.
	for i := 0; i < 2; i++ {
		time.Sleep(10 * time.Millisecond)
		svc.drainRetries()
	}

	found, err := sink.Find(ctx, res.Hash)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !found {
		t.Fatal("exhausted transaction missing from dead letters")
	}
	if got := svc.GetTransactionStatus(ctx, res.Hash); got != OutcomeFailed {
		t.Errorf("status poll = %q, want %q", got, OutcomeFailed)
	}

	// A further pass has nothing left to drain.
	time.Sleep(10 * time.Millisecond)
	svc.drainRetries()
	if len(sink.All()) != 1 {
		t.Errorf("dead letters grew to %d entries", len(sink.All()))
	}
}

func TestService_statusUnknownForUnseenHash(t *testing.T) {
	svc := newLocalService(t)
	if got := svc.GetTransactionStatus(context.Background(), "never-seen"); got != OutcomeUnknown {
		t.Errorf("status poll = %q, want %q", got, OutcomeUnknown)
	}
}

func TestService_batchHoldsUntilThreshold(t *testing.T) {
	svc, _ := newService(t, Config{Mode: ModeLocal, BatchSize: 3}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := svc.RecordSensorData(ctx, "sensor-1", map[string]any{"reading": i})
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != StatusBatched {
			t.Fatalf("status = %q, want %q", res.Status, StatusBatched)
		}
	}
	if svc.Store().Len() != 0 {
		t.Fatalf("store holds %d before the batch filled", svc.Store().Len())
	}

	// The third reading crosses the threshold and flushes all three.
	if _, err := svc.RecordSensorData(ctx, "sensor-1", map[string]any{"reading": 2}); err != nil {
		t.Fatal(err)
	}
	if svc.Store().Len() != 3 {
		t.Errorf("store holds %d after flush, want 3", svc.Store().Len())
	}
}

func TestService_batchedMembersAllVerify(t *testing.T) {
	svc, _ := newService(t, Config{Mode: ModeLocal, BatchSize: 2}, nil)
	ctx := context.Background()

	hashes := make([]string, 2)
	for i := range hashes {
		res, err := svc.RecordSensorData(ctx, "sensor-1", map[string]any{"reading": i})
		if err != nil {
			t.Fatal(err)
		}
		hashes[i] = res.Hash
	}
	if svc.Store().Len() != 2 {
		t.Fatalf("store holds %d after flush, want 2", svc.Store().Len())
	}

	// Every member must anchor against the prefix it actually occupies
	// after the flush, not the store contents from before the batch.
	for i, h := range hashes {
		v := svc.VerifyTransaction(h)
		if !v.SignatureValid {
			t.Errorf("member %d: signature did not verify", i)
		}
		if !v.MerkleRootValid {
			t.Errorf("member %d: merkle root did not verify", i)
		}
		if !v.Verified {
			t.Errorf("member %d: not verified", i)
		}
	}
}

func TestService_stopFlushesPartialBatch(t *testing.T) {
	svc, _ := newService(t, Config{Mode: ModeLocal, BatchSize: 10}, nil)
	ctx := context.Background()

	res, err := svc.RecordSensorData(ctx, "sensor-1", map[string]any{"reading": 1})
	if err != nil {
		t.Fatal(err)
	}
	if svc.Store().Len() != 0 {
		t.Fatal("batched reading reached the store early")
	}

	svc.Stop()

	if _, ok := svc.Store().Get(res.Hash); !ok {
		t.Error("partial batch lost on shutdown")
	}
}

func TestService_batchPartialFailure(t *testing.T) {
	chain := &fakeChain{
		rejectFn: func(tx *txstore.Transaction) bool {
			data, _ := tx.Payload["data"].(map[string]any)
			bad, _ := data["poison"].(bool)
			return bad
		},
	}
	svc, _ := newService(t, Config{Mode: ModeRemote, BatchSize: 3, RetryInterval: time.Millisecond}, chain)
	ctx := context.Background()

	hashes := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		res, err := svc.RecordSensorData(ctx, "sensor-1", map[string]any{
			"reading": i,
			"poison":  i == 1,
		})
		if err != nil {
			t.Fatal(err)
		}
		hashes = append(hashes, res.Hash)
	}

	// The flush already ran; two members landed, the rejected one is queued.
	if chain.submittedCount() != 2 {
		t.Errorf("chain received %d submissions, want 2", chain.submittedCount())
	}
	for i, h := range hashes {
		got := svc.GetTransactionStatus(ctx, h)
		want := OutcomeConfirmed
		if i == 1 {
			want = OutcomePendingRetry
		}
		if got != want {
			t.Errorf("member %d: status %q, want %q", i, got, want)
		}
	}
}

func TestService_getStatus(t *testing.T) {
	chain := &fakeChain{up: true}
	svc, _ := newService(t, Config{Mode: ModeRemote}, chain)
	ctx := context.Background()

	if _, err := svc.RecordSensorData(ctx, "sensor-1", map[string]any{"temperature": 2.5}); err != nil {
		t.Fatal(err)
	}

	status := svc.GetStatus(ctx)
	if status.Mode != ModeRemote {
		t.Errorf("mode = %q", status.Mode)
	}
	if !status.Connected {
		t.Error("reachable chain reported disconnected")
	}
	if status.TotalTransactions != 1 || status.TotalEvents != 1 {
		t.Errorf("counts: %d transactions, %d events", status.TotalTransactions, status.TotalEvents)
	}
	if status.PendingRetries != 0 {
		t.Errorf("pending retries = %d", status.PendingRetries)
	}
	if !strings.Contains(status.ActivePublicKey, "BEGIN PUBLIC KEY") {
		t.Error("active public key is not PEM")
	}
	if status.KeyGeneratedAt == "" {
		t.Error("missing key generation timestamp")
	}
}

func TestService_localStatusNeverConnected(t *testing.T) {
	svc := newLocalService(t)
	if svc.GetStatus(context.Background()).Connected {
		t.Error("local mode reported connected")
	}
}

func TestService_archiveReceivesCommittedTransactions(t *testing.T) {
	svc := newLocalService(t)
	svc.SetArchive(txarchive.New())
	ctx := context.Background()

	if _, err := svc.RecordSensorData(ctx, "sensor-1", map[string]any{"temperature": 2.0}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordQualityCheck(ctx, "ship-1", map[string]any{"grade": "A"}); err != nil {
		t.Fatal(err)
	}

	st, err := svc.GetArchiveStatus(ctx)
	if err != nil {
		t.Fatalf("GetArchiveStatus: %v", err)
	}
	if st.Entries != 3 { // genesis + 2
		t.Errorf("archive holds %d entries, want 3", st.Entries)
	}
	if !st.Intact {
		t.Error("archive chain not intact")
	}
	if st.Root == txarchive.GenesisHash {
		t.Error("archive root still at genesis after appends")
	}
}

func TestService_archiveStatusWithoutArchive(t *testing.T) {
	svc := newLocalService(t)
	st, err := svc.GetArchiveStatus(context.Background())
	if err != nil {
		t.Fatalf("GetArchiveStatus: %v", err)
	}
	if st != nil {
		t.Errorf("expected nil status, got %+v", st)
	}
}

func TestService_validationErrors(t *testing.T) {
	svc := newLocalService(t)
	ctx := context.Background()

	if _, err := svc.RecordSensorData(ctx, "", nil); err == nil {
		t.Error("empty sensor_id accepted")
	}
	if _, err := svc.RecordRipenessAnalysis(ctx, "", nil); err == nil {
		t.Error("empty crate_id accepted")
	}
	if _, err := svc.UpdateShipmentStatus(ctx, "ship-1", "", nil); err == nil {
		t.Error("empty status accepted")
	}
	if _, err := svc.RecordQualityCheck(ctx, "", nil); err == nil {
		t.Error("empty shipment_id accepted")
	}
	if err := svc.IngestPrepared(&txstore.Transaction{}); !errors.Is(err, ErrSubmission) {
		t.Errorf("incomplete prepared transaction: %v", err)
	}
}
