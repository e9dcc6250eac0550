package indexer

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"go.uber.org/zap"

	"kasracing/internal/chain"
	"kasracing/internal/model"
)

type sinkCall struct {
	name      string
	onchainID uint64
	player    string
	amount    *big.Int
	txHash    string
	block     uint64
}

type recordingSink struct {
	calls []sinkCall
}

func (r *recordingSink) OnMatchCreated(_ context.Context, id uint64, creator string, amount *big.Int, block uint64) error {
	r.calls = append(r.calls, sinkCall{name: "created", onchainID: id, player: creator, amount: amount, block: block})
	return nil
}

func (r *recordingSink) OnMatchJoined(_ context.Context, id uint64, player string) error {
	r.calls = append(r.calls, sinkCall{name: "joined", onchainID: id, player: player})
	return nil
}

func (r *recordingSink) OnDepositMined(_ context.Context, id uint64, player string, amount *big.Int, txHash string, block uint64) error {
	r.calls = append(r.calls, sinkCall{name: "deposit", onchainID: id, player: player, amount: amount, txHash: txHash, block: block})
	return nil
}

func (r *recordingSink) OnSettlementMined(_ context.Context, txHash string, block uint64) error {
	r.calls = append(r.calls, sinkCall{name: "settled", txHash: txHash, block: block})
	return nil
}

func (r *recordingSink) ConfirmDeep(_ context.Context, safeBlock uint64) error {
	r.calls = append(r.calls, sinkCall{name: "confirm", block: safeBlock})
	return nil
}

func (r *recordingSink) OnNewHead(_ context.Context, head uint64) error {
	r.calls = append(r.calls, sinkCall{name: "head", block: head})
	return nil
}

type recordingRewardSink struct {
	calls []sinkCall
}

func (r *recordingRewardSink) OnRewardMined(_ context.Context, txHash string, block uint64) error {
	r.calls = append(r.calls, sinkCall{name: "reward", txHash: txHash, block: block})
	return nil
}

func (r *recordingRewardSink) ConfirmDeep(_ context.Context, safeBlock uint64) error {
	r.calls = append(r.calls, sinkCall{name: "confirm", block: safeBlock})
	return nil
}

func chainEvent(t *testing.T, name, txHash string, block uint64, args map[string]any) model.ChainEvent {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return model.ChainEvent{
		BlockNumber: block,
		TxHash:      txHash,
		EventName:   name,
		Args:        raw,
	}
}

func TestDispatcherRoutesEvents(t *testing.T) {
	matches := &recordingSink{}
	rewards := &recordingRewardSink{}
	d := NewDispatcher(matches, rewards, zap.NewNop())

	events := []model.ChainEvent{
		chainEvent(t, chain.EvMatchCreated, "0xt1", 10, map[string]any{
			"matchId": "7", "creator": "0xaaa", "amount": "1000",
		}),
		chainEvent(t, chain.EvDepositReceived, "0xt2", 11, map[string]any{
			"matchId": "7", "player": "0xbbb", "amount": "1000",
		}),
		chainEvent(t, chain.EvMatchSettled, "0xt3", 12, map[string]any{
			"matchId": "7", "winner": "0xbbb", "payout": "2000", "kind": "0",
		}),
		chainEvent(t, chain.EvRewardReleased, "0xt4", 13, map[string]any{
			"recipient": "0xccc", "amount": "500", "proofHash": "0xdead",
		}),
	}
	d.Apply(context.Background(), events)

	if len(matches.calls) != 3 {
		t.Fatalf("expected 3 match sink calls, got %d", len(matches.calls))
	}
	if matches.calls[0].name != "created" || matches.calls[0].onchainID != 7 {
		t.Fatalf("unexpected created call: %+v", matches.calls[0])
	}
	if matches.calls[1].name != "deposit" || matches.calls[1].txHash != "0xt2" || matches.calls[1].amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected deposit call: %+v", matches.calls[1])
	}
	if matches.calls[2].name != "settled" || matches.calls[2].txHash != "0xt3" {
		t.Fatalf("unexpected settled call: %+v", matches.calls[2])
	}

	if len(rewards.calls) != 1 || rewards.calls[0].txHash != "0xt4" || rewards.calls[0].block != 13 {
		t.Fatalf("unexpected reward calls: %+v", rewards.calls)
	}
}

func TestDispatcherReconcile(t *testing.T) {
	matches := &recordingSink{}
	rewards := &recordingRewardSink{}
	d := NewDispatcher(matches, rewards, zap.NewNop())

	d.Reconcile(context.Background(), 100, 12)

	var confirmed, head bool
	for _, c := range matches.calls {
		switch c.name {
		case "confirm":
			if c.block != 88 {
				t.Fatalf("match confirm at %d, want 88", c.block)
			}
			confirmed = true
		case "head":
			if c.block != 100 {
				t.Fatalf("new head %d, want 100", c.block)
			}
			head = true
		}
	}
	if !confirmed || !head {
		t.Fatalf("missing confirm/head calls: %+v", matches.calls)
	}
	if len(rewards.calls) != 1 || rewards.calls[0].block != 88 {
		t.Fatalf("unexpected reward confirm: %+v", rewards.calls)
	}
}

func TestDispatcherReconcileShallowHead(t *testing.T) {
	matches := &recordingSink{}
	rewards := &recordingRewardSink{}
	d := NewDispatcher(matches, rewards, zap.NewNop())

	// Head below the confirm depth: nothing is final yet.
	d.Reconcile(context.Background(), 5, 12)
	for _, c := range matches.calls {
		if c.name == "confirm" {
			t.Fatalf("confirm pass should not run below confirm depth")
		}
	}
}

func TestDispatcherMalformedArgsDoNotPanic(t *testing.T) {
	matches := &recordingSink{}
	rewards := &recordingRewardSink{}
	d := NewDispatcher(matches, rewards, zap.NewNop())

	d.Apply(context.Background(), []model.ChainEvent{
		chainEvent(t, chain.EvMatchCreated, "0xbad", 1, map[string]any{"matchId": "not-a-number"}),
	})
	if len(matches.calls) != 0 {
		t.Fatalf("malformed event must not reach the sink: %+v", matches.calls)
	}
}
