package indexer

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"kasracing/internal/storage/memory"
)

var (
	testEscrow = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	testPlayer = common.HexToAddress("0x1111111111111111111111111111111111111111")

	sigDeposit = crypto.Keccak256Hash([]byte("DepositReceived(uint256,address,uint256)"))
)

// fakeChain serves a synthetic chain where block hashes are derived from a
// fork tag, so a reorg is simulated by swapping the tag above a height.
type fakeChain struct {
	head     uint64
	forkFrom uint64 // blocks >= forkFrom use the "b" tag
	logs     []types.Log
}

func forkHash(block uint64, tag string) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-%d", tag, block)))
}

func (f *fakeChain) tag(block uint64) string {
	if f.forkFrom > 0 && block >= f.forkFrom {
		return "b"
	}
	return "a"
}

func (f *fakeChain) LatestBlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) BlockHashByNumber(_ context.Context, number uint64) (string, error) {
	return forkHash(number, f.tag(number)).Hex(), nil
}

func (f *fakeChain) FilterLogs(_ context.Context, from, to uint64, _ []common.Address, _ []common.Hash) ([]types.Log, error) {
	var out []types.Log
	for _, log := range f.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			out = append(out, log)
		}
	}
	return out, nil
}

// depositLog builds a real ABI-encoded DepositReceived log so the runner
// exercises the production decoder.
func depositLog(block, matchID uint64, amount int64, tag string) types.Log {
	return types.Log{
		Address: testEscrow,
		Topics: []common.Hash{
			sigDeposit,
			common.BigToHash(new(big.Int).SetUint64(matchID)),
			common.BytesToHash(common.LeftPadBytes(testPlayer.Bytes(), 32)),
		},
		Data:        common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		BlockNumber: block,
		BlockHash:   forkHash(block, tag),
		TxHash:      crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%s-%d", tag, block))),
		Index:       0,
	}
}

func newTestRunner(chain *fakeChain, store *memory.Store) *Runner {
	return NewRunner(RunConfig{
		Addresses:  []common.Address{testEscrow},
		StartBlock: 1,
		BatchSize:  500,
		ReorgDepth: 64,
	}, chain, store, nil, zap.NewNop())
}

func TestRunOnceIndexesAndAdvancesCursor(t *testing.T) {
	chain := &fakeChain{
		head: 100,
		logs: []types.Log{
			depositLog(10, 1, 500, "a"),
			depositLog(80, 2, 600, "a"),
		},
	}
	store := memory.New()
	r := newTestRunner(chain, store)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	events := store.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventName != "DepositReceived" || events[0].BlockNumber != 10 {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Args == nil {
		t.Fatalf("expected decoded args")
	}

	cursor, ok, err := store.LoadCursor(context.Background())
	if err != nil || !ok {
		t.Fatalf("cursor missing: %v", err)
	}
	if cursor.LastBlock != 100 {
		t.Fatalf("cursor at %d, want 100", cursor.LastBlock)
	}
	if cursor.BlockHash != forkHash(100, "a").Hex() {
		t.Fatalf("cursor hash mismatch")
	}
}

func TestRunOnceNoNewBlocksIsNoop(t *testing.T) {
	chain := &fakeChain{head: 50}
	store := memory.New()
	r := newTestRunner(chain, store)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	cursor, _, _ := store.LoadCursor(context.Background())
	if cursor.LastBlock != 50 {
		t.Fatalf("cursor moved to %d", cursor.LastBlock)
	}
}

func TestReorgRollbackAndReindex(t *testing.T) {
	// Chain with events at 10, 50, 80, 90; indexed to head 100.
	chain := &fakeChain{
		head: 100,
		logs: []types.Log{
			depositLog(10, 1, 100, "a"),
			depositLog(50, 2, 200, "a"),
			depositLog(80, 3, 300, "a"),
			depositLog(90, 4, 400, "a"),
		},
	}
	store := memory.New()
	r := newTestRunner(chain, store)

	ctx := context.Background()
	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("initial pass: %v", err)
	}
	if got := len(store.Events()); got != 4 {
		t.Fatalf("expected 4 events, got %d", got)
	}

	// Reorg at block 80: everything from 80 up is replaced by a fork with
	// different events.
	chain.forkFrom = 80
	chain.head = 101
	chain.logs = []types.Log{
		depositLog(10, 1, 100, "a"),
		depositLog(50, 2, 200, "a"),
		depositLog(85, 5, 550, "b"),
		depositLog(95, 6, 650, "b"),
	}

	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("reorg pass: %v", err)
	}

	events := store.Events()
	blocks := make([]uint64, 0, len(events))
	for _, ev := range events {
		blocks = append(blocks, ev.BlockNumber)
	}
	want := []uint64{10, 50, 85, 95}
	if len(blocks) != len(want) {
		t.Fatalf("blocks after reorg: %v, want %v", blocks, want)
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Fatalf("blocks after reorg: %v, want %v", blocks, want)
		}
	}

	// No abandoned-fork hashes may survive.
	for _, ev := range events {
		if ev.BlockNumber >= 80 && ev.BlockHash != forkHash(ev.BlockNumber, "b").Hex() {
			t.Fatalf("stale fork hash at block %d", ev.BlockNumber)
		}
	}

	cursor, _, _ := store.LoadCursor(context.Background())
	if cursor.LastBlock != 101 {
		t.Fatalf("cursor at %d, want 101", cursor.LastBlock)
	}

	// A further pass with nothing new inserts nothing and keeps the set
	// duplicate-free.
	chain.head = 102
	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("idle pass: %v", err)
	}
	if got := len(store.Events()); got != 4 {
		t.Fatalf("expected 4 events after idle pass, got %d", got)
	}
}

func TestBackfillSplitsBatches(t *testing.T) {
	chain := &fakeChain{
		head: 1000,
		logs: []types.Log{
			depositLog(5, 1, 100, "a"),
			depositLog(450, 2, 200, "a"),
			depositLog(990, 3, 300, "a"),
		},
	}
	store := memory.New()
	r := NewRunner(RunConfig{
		Addresses:  []common.Address{testEscrow},
		StartBlock: 1,
		BatchSize:  100,
	}, chain, store, nil, zap.NewNop())

	if err := r.Backfill(context.Background(), 1000); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if got := len(store.Events()); got != 3 {
		t.Fatalf("expected 3 events, got %d", got)
	}
	cursor, _, _ := store.LoadCursor(context.Background())
	if cursor.LastBlock != 1000 {
		t.Fatalf("cursor at %d, want 1000", cursor.LastBlock)
	}

	// Resuming an already-complete backfill is a no-op.
	if err := r.Backfill(context.Background(), 1000); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := len(store.Events()); got != 3 {
		t.Fatalf("expected 3 events after resume, got %d", got)
	}
}
