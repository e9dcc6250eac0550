package market

import (
	"math/big"
	"testing"

	"kasracing/internal/model"
)

func TestOddsSplit(t *testing.T) {
	cases := []struct {
		name   string
		stakeA int64
		stakeB int64
		wantA  int64
		wantB  int64
	}{
		{"empty book", 0, 0, 5000, 5000},
		{"even stakes", 100, 100, 5000, 5000},
		{"quarter on A", 100, 300, 2500, 7500},
		{"all on A clamps", 500, 0, 9900, 100},
		{"all on B clamps", 0, 500, 100, 9900},
		{"dust on A clamps", 1, 1_000_000, 100, 9900},
	}
	for _, tc := range cases {
		st := newOddsState()
		st.add(model.SideA, big.NewInt(tc.stakeA))
		st.add(model.SideB, big.NewInt(tc.stakeB))
		a, b := st.split()
		if a != tc.wantA || b != tc.wantB {
			t.Fatalf("%s: got %d/%d, want %d/%d", tc.name, a, b, tc.wantA, tc.wantB)
		}
		if a+b != model.OddsScale {
			t.Fatalf("%s: split does not sum to scale", tc.name)
		}
	}
}

func TestOddsBookRebuildsFromPending(t *testing.T) {
	book := newOddsBook()
	pending := func() ([]*model.BetOrder, error) {
		return []*model.BetOrder{
			{Side: model.SideA, StakeWei: big.NewInt(100)},
			{Side: model.SideB, StakeWei: big.NewInt(300)},
		}, nil
	}

	st, err := book.get("m1", pending)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a, _ := st.split(); a != 2500 {
		t.Fatalf("rebuilt odds %d, want 2500", a)
	}

	// Cached afterwards: the pending loader is not consulted again.
	again, err := book.get("m1", func() ([]*model.BetOrder, error) {
		t.Fatal("loader called on cached market")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if again != st {
		t.Fatalf("cached get returned a different state")
	}

	book.drop("m1")
	fresh, err := book.get("m1", func() ([]*model.BetOrder, error) { return nil, nil })
	if err != nil {
		t.Fatalf("get after drop: %v", err)
	}
	if a, b := fresh.split(); a != 5000 || b != 5000 {
		t.Fatalf("dropped market did not reset: %d/%d", a, b)
	}
}
