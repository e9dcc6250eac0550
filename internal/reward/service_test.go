package reward

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"kasracing/internal/metrics"
	"kasracing/internal/model"
	"kasracing/internal/realtime"
	"kasracing/internal/storage/memory"
)

const (
	testPlayer      = "0x1111111111111111111111111111111111111111"
	testOtherPlayer = "0x2222222222222222222222222222222222222222"
)

type fakeSubmitter struct {
	calls  int
	fail   bool
	txHash string
}

func (f *fakeSubmitter) SubmitReward(context.Context, string, *big.Int, [32]byte) (string, error) {
	f.calls++
	if f.fail {
		return "", errors.New("rpc down")
	}
	return f.txHash, nil
}

func (f *fakeSubmitter) SubmitMatchSettlement(context.Context, uint64, string, uint8) (string, error) {
	return "", errors.New("not used")
}

func newTestService(sub *fakeSubmitter) (*Service, *memory.Store) {
	store := memory.New()
	cfg := Config{
		MinRewardWei: big.NewInt(100),
		MaxRewardWei: big.NewInt(1_000_000),
		AmountsWei: map[string]*big.Int{
			"race_finish": big.NewInt(5000),
			"too_big":     big.NewInt(2_000_000),
		},
	}
	return NewService(cfg, store, sub, realtime.NopPublisher{}, zap.NewNop()), store
}

func startSession(t *testing.T, svc *Service) *model.GameSession {
	t.Helper()
	sess, err := svc.StartSession(context.Background(), "sess-1", testPlayer)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return sess
}

func TestHandleSessionEventSubmitsOnce(t *testing.T) {
	sub := &fakeSubmitter{txHash: "0xreward"}
	svc, _ := newTestService(sub)
	startSession(t, svc)

	ev := model.SessionEvent{SessionID: "sess-1", Type: "race_finish", Seq: 1}

	first, err := svc.HandleSessionEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first.Status != model.TxSubmitted || first.TxHash != "0xreward" {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if first.AmountWei.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("amount %s, want 5000", first.AmountWei)
	}

	// The identical request N more times never reaches the chain again.
	for i := 0; i < 5; i++ {
		replay, err := svc.HandleSessionEvent(context.Background(), ev)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if replay.TxHash != first.TxHash || replay.Status != first.Status {
			t.Fatalf("replay diverged: %+v != %+v", replay, first)
		}
	}
	if sub.calls != 1 {
		t.Fatalf("chain called %d times, want 1", sub.calls)
	}
}

func TestHandleSessionEventUnrewardedTypePaysNothing(t *testing.T) {
	sub := &fakeSubmitter{txHash: "0x0"}
	svc, _ := newTestService(sub)
	startSession(t, svc)

	row, err := svc.HandleSessionEvent(context.Background(), model.SessionEvent{
		SessionID: "sess-1", Type: "lap_split", Seq: 1,
	})
	if err != nil || row != nil {
		t.Fatalf("expected nil reward, got %+v err %v", row, err)
	}
	if sub.calls != 0 {
		t.Fatalf("chain should not be called")
	}
}

func TestHandleSessionEventValidation(t *testing.T) {
	sub := &fakeSubmitter{txHash: "0x0"}
	svc, _ := newTestService(sub)
	startSession(t, svc)

	cases := []struct {
		name   string
		ev     model.SessionEvent
		reason string
	}{
		{"unknown session", model.SessionEvent{SessionID: "nope", Type: "race_finish", Seq: 1}, model.ReasonSessionNotActive},
		{"amount above max", model.SessionEvent{SessionID: "sess-1", Type: "too_big", Seq: 2}, model.ReasonAmountOutOfBounds},
	}
	for _, tc := range cases {
		_, err := svc.HandleSessionEvent(context.Background(), tc.ev)
		if got := model.ReasonOf(err); got != tc.reason {
			t.Fatalf("%s: reason %q, want %q", tc.name, got, tc.reason)
		}
	}
	if sub.calls != 0 {
		t.Fatalf("validation failures must not reach the chain")
	}
}

func TestHandleSessionEventInactiveSession(t *testing.T) {
	sub := &fakeSubmitter{txHash: "0x0"}
	svc, _ := newTestService(sub)
	startSession(t, svc)
	if err := svc.EndSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	_, err := svc.HandleSessionEvent(context.Background(), model.SessionEvent{
		SessionID: "sess-1", Type: "race_finish", Seq: 1,
	})
	if model.ReasonOf(err) != model.ReasonSessionNotActive {
		t.Fatalf("expected SESSION_NOT_ACTIVE, got %v", err)
	}
}

func TestHandleSessionEventSubmitFailureMarksFailed(t *testing.T) {
	sub := &fakeSubmitter{fail: true}
	svc, store := newTestService(sub)
	startSession(t, svc)

	row, err := svc.HandleSessionEvent(context.Background(), model.SessionEvent{
		SessionID: "sess-1", Type: "race_finish", Seq: 1,
	})
	if err != nil {
		t.Fatalf("submit failure should surface via status: %v", err)
	}
	if row.Status != model.TxFailed {
		t.Fatalf("status %s, want failed", row.Status)
	}

	stored, err := store.GetRewardEvent(context.Background(), "sess-1", 1)
	if err != nil {
		t.Fatalf("stored row: %v", err)
	}
	if stored.Status != model.TxFailed {
		t.Fatalf("stored status %s, want failed", stored.Status)
	}
	// Failed is terminal: a replay returns the failed row, no new attempt.
	replay, err := svc.HandleSessionEvent(context.Background(), model.SessionEvent{
		SessionID: "sess-1", Type: "race_finish", Seq: 1,
	})
	if err != nil || replay.Status != model.TxFailed {
		t.Fatalf("replay after failure: %+v err %v", replay, err)
	}
	if sub.calls != 1 {
		t.Fatalf("chain called %d times, want 1", sub.calls)
	}
}

func TestRewardMinedAndConfirmed(t *testing.T) {
	sub := &fakeSubmitter{txHash: "0xmine"}
	svc, store := newTestService(sub)
	startSession(t, svc)

	if _, err := svc.HandleSessionEvent(context.Background(), model.SessionEvent{
		SessionID: "sess-1", Type: "race_finish", Seq: 3,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.OnRewardMined(context.Background(), "0xmine", 90); err != nil {
		t.Fatalf("mined: %v", err)
	}
	row, _ := store.GetRewardEvent(context.Background(), "sess-1", 3)
	if row.Status != model.TxMined || row.BlockNumber != 90 {
		t.Fatalf("after mined: %+v", row)
	}

	// Redelivery of the same event is harmless.
	if err := svc.OnRewardMined(context.Background(), "0xmine", 90); err != nil {
		t.Fatalf("mined redelivery: %v", err)
	}

	// Not deep enough yet.
	if err := svc.ConfirmDeep(context.Background(), 89); err != nil {
		t.Fatalf("confirm shallow: %v", err)
	}
	row, _ = store.GetRewardEvent(context.Background(), "sess-1", 3)
	if row.Status != model.TxMined {
		t.Fatalf("confirmed too early: %+v", row)
	}

	if err := svc.ConfirmDeep(context.Background(), 95); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	row, _ = store.GetRewardEvent(context.Background(), "sess-1", 3)
	if row.Status != model.TxConfirmed {
		t.Fatalf("after confirm: %+v", row)
	}
}

func TestHandleSessionEventReplayWithDifferentRecipientConflicts(t *testing.T) {
	sub := &fakeSubmitter{txHash: "0xreward"}
	svc, _ := newTestService(sub)
	startSession(t, svc)

	ev := model.SessionEvent{SessionID: "sess-1", Type: "race_finish", Seq: 1}
	if _, err := svc.HandleSessionEvent(context.Background(), ev); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// The session is re-registered under another player; the consumed
	// (session, seq) key must not hand that player the original payout row.
	if _, err := svc.StartSession(context.Background(), "sess-1", testOtherPlayer); err != nil {
		t.Fatalf("re-register session: %v", err)
	}
	_, err := svc.HandleSessionEvent(context.Background(), ev)
	if model.ReasonOf(err) != model.ReasonIdempotencyConflict {
		t.Fatalf("expected IDEMPOTENCY_CONFLICT, got %v", err)
	}
	if sub.calls != 1 {
		t.Fatalf("chain called %d times, want 1", sub.calls)
	}
}

func TestMetricsCountRewardSubmissions(t *testing.T) {
	sub := &fakeSubmitter{txHash: "0xreward"}
	svc, _ := newTestService(sub)
	mset := metrics.NewSet()
	svc.SetMetrics(mset)
	startSession(t, svc)

	ev := model.SessionEvent{SessionID: "sess-1", Type: "race_finish", Seq: 1}
	if _, err := svc.HandleSessionEvent(context.Background(), ev); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// A replay does not reach the chain and must not count again.
	if _, err := svc.HandleSessionEvent(context.Background(), ev); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := testutil.ToFloat64(mset.RewardsSubmitted.WithLabelValues("submitted")); got != 1 {
		t.Fatalf("rewards submitted = %v, want 1", got)
	}

	sub.fail = true
	if _, err := svc.HandleSessionEvent(context.Background(), model.SessionEvent{
		SessionID: "sess-1", Type: "race_finish", Seq: 2,
	}); err != nil {
		t.Fatalf("failed submit: %v", err)
	}
	if got := testutil.ToFloat64(mset.RewardsSubmitted.WithLabelValues("failed")); got != 1 {
		t.Fatalf("rewards failed = %v, want 1", got)
	}
}
