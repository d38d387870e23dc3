// Package directory implements the RelayDirectory (design §3, §4.6): the
// mapping from relay short id to its long-term public key, populated from
// the discovery overlay, plus uniform-random selection and cooldown
// tracking for relays that have been named a build's causer.
package directory

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
)

// Entry is one relay's directory record
type Entry struct {
	Identity     ids.RelayIdentity
	CooldownUntil time.Time
}

// Directory is the mapping from short id to full public key (design §3),
// populated by Merge() from overlay peer discovery.
type Directory struct {
	mu      sync.RWMutex
	entries map[ids.ShortID]*Entry
	now     func() time.Time
}

// New constructs an empty directory. nowFn defaults to time.Now and exists
// so tests can control cooldown expiry deterministically.
func New(nowFn func() time.Time) *Directory {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Directory{entries: make(map[ids.ShortID]*Entry), now: nowFn}
}

// Merge adds or refreshes relay identities learned from the discovery overlay
func (d *Directory) Merge(identities ...ids.RelayIdentity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range identities {
		if _, ok := d.entries[id.Short]; !ok {
			d.entries[id.Short] = &Entry{Identity: id}
		}
	}
}

// Get looks up a relay's full identity
func (d *Directory) Get(short ids.ShortID) (ids.RelayIdentity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[short]
	if !ok {
		return ids.RelayIdentity{}, false
	}
	return e.Identity, true
}

// Len reports how many relays are currently known
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Cooldown marks a relay as the causer of a failed build, excluding it from
// selection for the given duration (design §4.6, §12 supplement).
func (d *Directory) Cooldown(short ids.ShortID, duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[short]
	if !ok {
		return
	}
	e.CooldownUntil = d.now().Add(duration)
}

// SelectN performs a Fisher-Yates partial shuffle of length n over the
// eligible (non-cooled-down) relays, using crypto/rand (design §4.6).
// Returns ErrExhausted if fewer than n relays are eligible.
func (d *Directory) SelectN(n int) ([]ids.RelayIdentity, error) {
	if n <= 0 {
		return nil, garlicerr.New(garlicerr.KindInvalidArgument, "Directory.SelectN", nil)
	}
	d.mu.RLock()
	now := d.now()
	pool := make([]ids.RelayIdentity, 0, len(d.entries))
	for _, e := range d.entries {
		if e.CooldownUntil.IsZero() || now.After(e.CooldownUntil) {
			pool = append(pool, e.Identity)
		}
	}
	d.mu.RUnlock()

	if len(pool) < n {
		return nil, garlicerr.New(garlicerr.KindExhausted, "Directory.SelectN", nil)
	}

	for i := 0; i < n; i++ {
		j, err := randIntn(len(pool) - i)
		if err != nil {
			return nil, garlicerr.New(garlicerr.KindCryptoFailure, "Directory.SelectN", err)
		}
		j += i
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n], nil
}

// randIntn returns a cryptographically random integer in [0, n)
func randIntn(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	v := uint64(0)
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return int(v % uint64(n)), nil
}
