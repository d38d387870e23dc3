package transport

import (
	"context"
	"net"
	"sync"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/codec"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
)

// FakeNetwork is an in-process ADNL+overlay double used by tests to exercise
// full chains without a real UDP socket. Delivery to a local id's handlers
// happens on that id's own goroutine, preserving per-sender ordering
// (design §5) via a per-destination serial queue.
type FakeNetwork struct {
	mu        sync.Mutex
	nodes     map[ids.ShortID]*fakeNode
	overlay   map[ids.ShortID][]ids.ShortID // overlayID(string) unused; single shared overlay for simplicity
	udpSinks  map[string]func(src ids.ShortID, addr *net.UDPAddr, payload []byte)
	blocked   map[ids.ShortID]bool          // relays that silently drop everything (dead-hop scenarios)
	bindings  map[ids.ShortID][]string      // last address list passed to AddIdentityEx per secret id
}

// NewFakeNetwork constructs an empty fake network
func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{
		nodes:    make(map[ids.ShortID]*fakeNode),
		udpSinks: make(map[string]func(ids.ShortID, *net.UDPAddr, []byte)),
		blocked:  make(map[ids.ShortID]bool),
		bindings: make(map[ids.ShortID][]string),
	}
}

// LastIdentityAddrs returns the address list most recently passed to
// AddIdentityEx for id, letting tests observe rebind-on-chain-swap behavior
// (design §8 scenario 6) without a real ADNL identity registry.
func (f *FakeNetwork) LastIdentityAddrs(id ids.ShortID) ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addrs, ok := f.bindings[id]
	return addrs, ok
}

type fakeNode struct {
	id   ids.ShortID
	mu   sync.Mutex
	subs map[codec.Tag]Handler
	// queue serializes delivery per-sender to preserve in-order delivery
	// from a single sender to this node (design §5 ordering rule)
	inbox chan func()
}

func (n *fakeNode) run() {
	for fn := range n.inbox {
		fn()
	}
}

func (f *FakeNetwork) node(id ids.ShortID) *fakeNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		n = &fakeNode{id: id, subs: make(map[codec.Tag]Handler), inbox: make(chan func(), 256)}
		f.nodes[id] = n
		go n.run()
	}
	return n
}

// Block makes a node silently drop every inbound message and UDP emission
// (simulates a dead relay for fault-attribution scenarios)
func (f *FakeNetwork) Block(id ids.ShortID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[id] = true
}

func (f *FakeNetwork) isBlocked(id ids.ShortID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[id]
}

// OnUDP registers a sink that observes every UDP datagram emitted by srcID
func (f *FakeNetwork) OnUDP(srcID ids.ShortID, sink func(src ids.ShortID, addr *net.UDPAddr, payload []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.udpSinks[srcID.String()] = sink
}

// ForSite returns an ADNL handle scoped to nothing in particular; the fake
// transport is identity-agnostic, so a single handle serves every local id.
func (f *FakeNetwork) ForSite() ADNL { return &fakeADNL{net: f} }

type fakeADNL struct{ net *FakeNetwork }

func (a *fakeADNL) Subscribe(localID ids.ShortID, tag codec.Tag, handler Handler) error {
	n := a.net.node(localID)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[tag] = handler
	return nil
}

func (a *fakeADNL) Unsubscribe(localID ids.ShortID, tag codec.Tag) {
	n := a.net.node(localID)
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs, tag)
}

func (a *fakeADNL) SendMessage(src, dst ids.ShortID, msg codec.Message) error {
	return a.SendMessageEx(src, dst, msg, 0)
}

func (a *fakeADNL) SendMessageEx(src, dst ids.ShortID, msg codec.Message, _ SendFlags) error {
	if a.net.isBlocked(dst) {
		return nil
	}
	n := a.net.node(dst)
	n.mu.Lock()
	handler, ok := n.subs[msg.Tag()]
	n.mu.Unlock()
	if !ok {
		return nil
	}
	n.inbox <- func() { handler(src, dst, msg) }
	return nil
}

func (a *fakeADNL) SendUDPPacket(srcID ids.ShortID, addr *net.UDPAddr, _ SendFlags, payload []byte) error {
	if a.net.isBlocked(srcID) {
		return nil
	}
	a.net.mu.Lock()
	sink := a.net.udpSinks[srcID.String()]
	a.net.mu.Unlock()
	if sink != nil {
		sink(srcID, addr, payload)
	}
	return nil
}

func (a *fakeADNL) AddIdentityEx(id ids.ShortID, addrs []string, _ IdentityModeFlags) error {
	a.net.mu.Lock()
	a.net.bindings[id] = append([]string(nil), addrs...)
	a.net.mu.Unlock()
	return nil
}

func (a *fakeADNL) SetCustomDHTNode(ids.ShortID, DHT) error { return nil }

// FakeOverlay is a trivial Overlay backed by a fixed, mutable relay list.
type FakeOverlay struct {
	mu     sync.Mutex
	relays []ids.RelayIdentity
}

// NewFakeOverlay constructs an overlay seeded with the given relay identities
func NewFakeOverlay(relays ...ids.RelayIdentity) *FakeOverlay {
	return &FakeOverlay{relays: append([]ids.RelayIdentity(nil), relays...)}
}

func (o *FakeOverlay) CreatePublicOverlay(context.Context, ids.ShortID, [32]byte) error { return nil }
func (o *FakeOverlay) DeleteOverlay(ids.ShortID, [32]byte)                             {}

// GetOverlayRandomPeers returns up to k relays from the seeded set
func (o *FakeOverlay) GetOverlayRandomPeers(_ context.Context, _ ids.ShortID, _ [32]byte, k int) ([]ids.RelayIdentity, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if k > len(o.relays) {
		k = len(o.relays)
	}
	if k == 0 {
		return nil, garlicerr.New(garlicerr.KindExhausted, "FakeOverlay.GetOverlayRandomPeers", nil)
	}
	out := make([]ids.RelayIdentity, k)
	copy(out, o.relays[:k])
	return out, nil
}

// Add appends relays to the seeded set (simulates discovery progress)
func (o *FakeOverlay) Add(relays ...ids.RelayIdentity) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.relays = append(o.relays, relays...)
}
