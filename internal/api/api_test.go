package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"kasracing/internal/chain"
	"kasracing/internal/market"
	"kasracing/internal/match"
	"kasracing/internal/model"
	"kasracing/internal/realtime"
	"kasracing/internal/reward"
	"kasracing/internal/storage/memory"
)

const (
	addr1 = "0x1111111111111111111111111111111111111111"
	addr2 = "0x2222222222222222222222222222222222222222"
)

type stubSubmitter struct{ n int }

func (s *stubSubmitter) SubmitReward(context.Context, string, *big.Int, [32]byte) (string, error) {
	s.n++
	return fmt.Sprintf("0xreward%d", s.n), nil
}

func (s *stubSubmitter) SubmitMatchSettlement(context.Context, uint64, string, uint8) (string, error) {
	s.n++
	return fmt.Sprintf("0xsettle%d", s.n), nil
}

type testEnv struct {
	srv     *httptest.Server
	store   *memory.Store
	rewards *reward.Service
	markets *market.Service
	matches *match.Service
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	logger := zap.NewNop()
	pub := realtime.NopPublisher{}
	var sub chain.Submitter = &stubSubmitter{}

	rewards := reward.NewService(reward.Config{
		MinRewardWei: big.NewInt(1),
		MaxRewardWei: big.NewInt(1_000_000),
		AmountsWei:   map[string]*big.Int{"race_finish": big.NewInt(5000)},
	}, store, sub, pub, logger)

	matches := match.NewService(match.Config{
		MinDepositWei: big.NewInt(100),
		MaxDepositWei: big.NewInt(1_000_000),
		TimeoutBlocks: 100,
	}, store, sub, pub, logger)

	markets := market.NewService(market.Config{
		MinStakeWei:    big.NewInt(10),
		MaxStakeWei:    big.NewInt(10_000),
		ExposureCapWei: big.NewInt(100_000),
		PoolCapWei:     big.NewInt(1_000_000),
	}, store, pub, logger)

	a := &API{
		Matches: matches,
		Rewards: rewards,
		Markets: markets,
		Hub:     realtime.NewHub(nil, logger),
		Logger:  logger,
	}
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, rewards: rewards, markets: markets, matches: matches}
}

func (e *testEnv) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp.StatusCode, out
}

func (e *testEnv) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp.StatusCode, out
}

func TestMatchEndpoints(t *testing.T) {
	e := newEnv(t)

	code, body := e.post(t, "/matches", map[string]any{"playerAddress": addr1, "betAmountWei": "1000"})
	if code != http.StatusCreated || body["accepted"] != true {
		t.Fatalf("create: %d %v", code, body)
	}
	m := body["match"].(map[string]any)
	matchID := m["id"].(string)
	joinCode := m["join_code"].(string)

	code, body = e.post(t, "/matches/"+matchID+"/join", map[string]any{"playerAddress": addr2, "joinCode": joinCode})
	if code != http.StatusOK || body["accepted"] != true {
		t.Fatalf("join: %d %v", code, body)
	}

	code, body = e.post(t, "/matches/"+matchID+"/deposits", map[string]any{
		"playerAddress": addr1, "amountWei": "1000", "txHash": "0xd1", "onchainMatchId": 7,
	})
	if code != http.StatusOK || body["accepted"] != true {
		t.Fatalf("deposit: %d %v", code, body)
	}

	// Same key, different tx: structured conflict.
	code, body = e.post(t, "/matches/"+matchID+"/deposits", map[string]any{
		"playerAddress": addr1, "amountWei": "1000", "txHash": "0xother",
	})
	if code != http.StatusConflict || body["rejectReason"] != model.ReasonIdempotencyConflict {
		t.Fatalf("duplicate deposit: %d %v", code, body)
	}

	code, _ = e.get(t, "/matches/"+matchID)
	if code != http.StatusOK {
		t.Fatalf("get match: %d", code)
	}
	code, body = e.get(t, "/matches/does-not-exist")
	if code != http.StatusNotFound || body["rejectReason"] != model.ReasonMatchNotFound {
		t.Fatalf("missing match: %d %v", code, body)
	}
}

func TestSessionEventEndpoint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.rewards.StartSession(ctx, "s1", addr1); err != nil {
		t.Fatalf("start session: %v", err)
	}

	ev := map[string]any{"session_id": "s1", "type": "race_finish", "seq": 1, "timestamp": time.Now().UnixMilli()}
	code, body := e.post(t, "/session/event", ev)
	if code != http.StatusOK || body["accepted"] != true {
		t.Fatalf("session event: %d %v", code, body)
	}
	if body["rewardAmountWei"] != "5000" || body["status"] != string(model.TxSubmitted) {
		t.Fatalf("unexpected reward response: %v", body)
	}
	firstTx := body["txHash"]

	// Replay returns the stored reward, same tx.
	code, body = e.post(t, "/session/event", ev)
	if code != http.StatusOK || body["txHash"] != firstTx {
		t.Fatalf("replay: %d %v", code, body)
	}

	// Unrewarded event types are accepted with no reward fields.
	code, body = e.post(t, "/session/event", map[string]any{"session_id": "s1", "type": "lap_complete", "seq": 2})
	if code != http.StatusOK || body["accepted"] != true {
		t.Fatalf("unrewarded event: %d %v", code, body)
	}
	if _, ok := body["rewardAmountWei"]; ok {
		t.Fatalf("unrewarded event paid: %v", body)
	}

	// Unknown session is a structured rejection.
	code, body = e.post(t, "/session/event", map[string]any{"session_id": "ghost", "type": "race_finish", "seq": 1})
	if code != http.StatusUnprocessableEntity || body["rejectReason"] != model.ReasonSessionNotActive {
		t.Fatalf("ghost session: %d %v", code, body)
	}
}

func TestMarketEndpoints(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	mk, err := e.markets.OpenForMatch(ctx, &model.Match{ID: "match-1", Player1: addr1, Player2: addr2, State: model.MatchFunded})
	if err != nil {
		t.Fatalf("open market: %v", err)
	}

	code, body := e.post(t, "/markets/"+mk.ID+"/bet", map[string]any{
		"userId": "u1", "side": "A", "stakeWei": "100", "idempotencyKey": "k1",
	})
	if code != http.StatusOK || body["accepted"] != true {
		t.Fatalf("bet: %d %v", code, body)
	}
	if body["oddsAtPlacementBps"] != float64(5000) || body["stakeWei"] != "100" {
		t.Fatalf("unexpected bet response: %v", body)
	}
	orderID := body["orderId"].(string)

	// Missing idempotency key is a conflict, not a new order.
	code, body = e.post(t, "/markets/"+mk.ID+"/bet", map[string]any{"userId": "u1", "side": "A", "stakeWei": "100"})
	if code != http.StatusConflict || body["rejectReason"] != model.ReasonIdempotencyConflict {
		t.Fatalf("missing key: %d %v", code, body)
	}

	// Bad side rejected with its reason code.
	code, body = e.post(t, "/markets/"+mk.ID+"/bet", map[string]any{"userId": "u1", "side": "Z", "stakeWei": "100", "idempotencyKey": "k2"})
	if code != http.StatusUnprocessableEntity || body["rejectReason"] != model.ReasonInvalidSide {
		t.Fatalf("bad side: %d %v", code, body)
	}

	code, body = e.get(t, "/markets/"+mk.ID)
	if code != http.StatusOK {
		t.Fatalf("get market: %d", code)
	}
	if _, ok := body["ticks"].([]any); !ok {
		t.Fatalf("snapshot missing ticks: %v", body)
	}

	code, body = e.post(t, "/markets/"+mk.ID+"/cancel", map[string]any{"orderId": orderID, "userId": "u1"})
	if code != http.StatusOK || body["cancelled"] != true {
		t.Fatalf("cancel: %d %v", code, body)
	}

	code, body = e.post(t, "/markets/"+mk.ID+"/cancel", map[string]any{"orderId": "missing", "userId": "u1"})
	if code != http.StatusNotFound || body["rejectReason"] != model.ReasonOrderNotFound {
		t.Fatalf("cancel missing: %d %v", code, body)
	}
}

func TestMalformedBody(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Post(e.srv.URL+"/matches", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}
