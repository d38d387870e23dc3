package directory

import (
	"testing"
	"time"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
)

func mkIdentity(seed byte) ids.RelayIdentity {
	pub := make([]byte, 32)
	pub[0] = seed
	return ids.NewRelayIdentity(pub)
}

func TestSelectNExhausted(t *testing.T) {
	d := New(nil)
	d.Merge(mkIdentity(1), mkIdentity(2))
	_, err := d.SelectN(3)
	var gerr *garlicerr.Error
	if err == nil {
		t.Fatal("expected error")
	}
	if ge, ok := err.(*garlicerr.Error); !ok || ge.Kind != garlicerr.KindExhausted {
		t.Fatalf("expected Exhausted, got %v (%v)", err, gerr)
	}
}

func TestSelectNWithoutReplacement(t *testing.T) {
	d := New(nil)
	for i := byte(1); i <= 5; i++ {
		d.Merge(mkIdentity(i))
	}
	selected, err := d.SelectN(3)
	if err != nil {
		t.Fatalf("SelectN: %v", err)
	}
	if len(selected) != 3 {
		t.Fatalf("expected 3, got %d", len(selected))
	}
	seen := map[ids.ShortID]bool{}
	for _, id := range selected {
		if seen[id.Short] {
			t.Fatalf("duplicate selection: %v", id.Short)
		}
		seen[id.Short] = true
	}
}

func TestCooldownExcludesRelay(t *testing.T) {
	now := time.Unix(1000, 0)
	d := New(func() time.Time { return now })
	a, b := mkIdentity(1), mkIdentity(2)
	d.Merge(a, b)

	d.Cooldown(a.Short, 60*time.Second)

	_, err := d.SelectN(2)
	if err == nil {
		t.Fatal("expected Exhausted while a is cooling down and only b is eligible")
	}

	selected, err := d.SelectN(1)
	if err != nil {
		t.Fatalf("SelectN(1): %v", err)
	}
	if selected[0].Short != b.Short {
		t.Fatalf("expected cooled-down relay to be excluded, got %v", selected[0].Short)
	}

	now = now.Add(61 * time.Second)
	selected2, err := d.SelectN(2)
	if err != nil {
		t.Fatalf("SelectN(2) after cooldown expiry: %v", err)
	}
	if len(selected2) != 2 {
		t.Fatalf("expected both relays eligible again")
	}
}
