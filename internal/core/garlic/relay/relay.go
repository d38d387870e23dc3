// Package relay implements the garlic relay server (design §3, §4.2, §4.3):
// the per-node dispatcher that decrypts, forwards and hosts midpoint state
// for tunnels it has agreed to carry. A relay has no notion of "its" tunnel
// end-to-end — every decision is local to one hop (design §5's
// no-cross-hop-knowledge invariant).
package relay

import (
	"net"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/codec"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/keyring"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/transport"
	"github.com/dep2p/garlic-tunnel/pkg/lib/log"
)

var logger = log.Logger("garlic/relay")

// MidpointTTL is how long a midpoint survives without refreshing traffic
// before the sweep evicts it (design §4.3 "~300s TTL").
const MidpointTTL = 300 * time.Second

// SweepInterval is how often the eviction sweep runs (design §4.3 "~60s").
const SweepInterval = 60 * time.Second

// MaxMidpoints bounds the LRU's absolute size as a backstop against unbounded
// growth if TTL sweeping ever falls behind (design §11 lru wiring).
const MaxMidpoints = 100_000

// Clock abstracts time for deterministic sweep testing (design §11,
// benbjohnson/clock wiring).
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func())
}

// clockAdapter adapts a benbjohnson/clock.Clock (real or mock) to Clock,
// discarding the underlying *clock.Timer the sweep loop has no use for.
type clockAdapter struct{ c clock.Clock }

// WrapClock adapts a benbjohnson/clock.Clock for use by Relay and Chain
func WrapClock(c clock.Clock) Clock { return clockAdapter{c: c} }

func (a clockAdapter) Now() time.Time { return a.c.Now() }

func (a clockAdapter) AfterFunc(d time.Duration, f func()) { a.c.AfterFunc(d, f) }

// Relay is the garlic server bound to one local identity (design §4.2).
type Relay struct {
	localID ids.ShortID
	net     transport.ADNL
	kr      keyring.Keyring
	chKr    keyring.ChannelKeyring
	clock   Clock

	midpoints *lru.Cache[ids.ShortID, *Midpoint]

	stopSweep chan struct{}
}

// New constructs a relay bound to localID. The caller must have already
// registered localID's long-term keypair in kr.
func New(localID ids.ShortID, net transport.ADNL, kr keyring.Keyring, clock Clock) (*Relay, error) {
	cache, err := lru.New[ids.ShortID, *Midpoint](MaxMidpoints)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindInvalidArgument, "relay.New", err)
	}
	r := &Relay{
		localID:   localID,
		net:       net,
		kr:        kr,
		chKr:      keyring.NewChannelKeyring(),
		clock:     clock,
		midpoints: cache,
		stopSweep: make(chan struct{}),
	}
	return r, nil
}

// subscribedTags is every tag prefix §4.2 requires the relay to subscribe to
// at its local ADNL identity: the full §4.1 set (design §4.2 "subscribes ...
// to all tag prefixes listed above plus TunnelPacketPrefix") plus the §12
// channel-fast-path variants. CreateTunnelMidpoint and MultipleMessages
// today only ever reach dispatch through the internal recursion inside
// handleEncryptedMessage/handleEncryptedMessageChannel (every real peer
// wraps them before sending), but the relay still subscribes to their
// top-level tags directly, matching the spec's literal subscription list
// and staying wire-compatible with any ADNL peer that ever delivers one
// unwrapped.
var subscribedTags = []codec.Tag{
	codec.TagEncryptedMessage,
	codec.TagMultipleMessages,
	codec.TagForwardToNext,
	codec.TagForwardToUdp,
	codec.TagCreateTunnelMidpoint,
	codec.TagTunnelPacketPrefix,
	codec.TagPing,
	codec.TagCreateChannel,
	codec.TagForwardToNextChannel,
	codec.TagEncryptedMessageChannel,
}

// Start subscribes the relay to every tag it must dispatch and begins the
// eviction sweep (design §4.2, §4.3).
func (r *Relay) Start() error {
	for _, tag := range subscribedTags {
		if err := r.net.Subscribe(r.localID, tag, r.dispatch); err != nil {
			return err
		}
	}
	r.scheduleSweep()
	return nil
}

// Stop unsubscribes and halts the eviction sweep.
func (r *Relay) Stop() {
	close(r.stopSweep)
	for _, tag := range subscribedTags {
		r.net.Unsubscribe(r.localID, tag)
	}
}

// HandleInboundUDP feeds a raw UDP datagram received from the public
// internet into the midpoint registered under key (design §4.3's "fed a raw
// datagram from an inbound UDP emitter"). The surrounding ADNL/UDP listener
// is responsible for demultiplexing real sockets to this call; it is outside
// this package's scope (design §1/§6).
func (r *Relay) HandleInboundUDP(key ids.ShortID, from *net.UDPAddr, payload []byte) error {
	mp, ok := r.midpoints.Get(key)
	if !ok {
		return garlicerr.New(garlicerr.KindUnknown, "Relay.HandleInboundUDP", nil)
	}
	return mp.Forward(payload, from)
}

func (r *Relay) dispatch(src, dst ids.ShortID, msg codec.Message) {
	switch m := msg.(type) {
	case *codec.EncryptedMessage:
		r.handleEncryptedMessage(src, m)
	case *codec.ForwardToNext:
		r.handleForwardToNext(src, m)
	case *codec.ForwardToUdp:
		r.handleForwardToUdp(src, m)
	case *codec.TunnelPacketPrefix:
		r.handleTunnelPacketPrefix(src, m)
	case *codec.Ping:
		r.handlePing(src, m)
	case *codec.CreateTunnelMidpoint:
		if err := r.CreateMidpoint(m); err != nil {
			logger.Debug("dropping CreateTunnelMidpoint", "message_prefix", m.MessagePrefix, "err", err)
		}
	case *codec.CreateChannel:
		if err := r.CreateChannelMidpoint(m); err != nil {
			logger.Debug("dropping CreateChannel", "message_prefix", m.MessagePrefix, "err", err)
		}
	case *codec.ForwardToNextChannel:
		r.handleForwardToNextChannel(src, m)
	case *codec.EncryptedMessageChannel:
		r.handleEncryptedMessageChannel(src, m)
	case *codec.MultipleMessages:
		for _, inner := range m.Messages {
			r.dispatch(src, dst, inner)
		}
	}
}

func (r *Relay) handleEncryptedMessage(src ids.ShortID, m *codec.EncryptedMessage) {
	plaintext, err := r.kr.Decrypt(r.localID, m.Encrypted)
	if err != nil {
		logger.Debug("dropping EncryptedMessage: decrypt failed", "src", src, "err", err)
		return
	}
	inner, err := codec.Decode(plaintext)
	if err != nil {
		logger.Debug("dropping EncryptedMessage: malformed plaintext", "src", src, "err", err)
		return
	}
	r.dispatch(src, r.localID, inner)
}

func (r *Relay) handleForwardToNext(_ ids.ShortID, m *codec.ForwardToNext) {
	out := &codec.EncryptedMessage{Encrypted: m.Encrypted}
	if err := r.net.SendMessageEx(r.localID, m.Dst, out, transport.FlagDirectOnly); err != nil {
		logger.Debug("dropping ForwardToNext: send failed", "dst", m.Dst, "err", err)
	}
}

// handleForwardToNextChannel is handleForwardToNext's channel-fast-path
// counterpart (design §12): the KeyID travels with the forwarded envelope so
// the next hop knows which symmetric channel decrypts it.
func (r *Relay) handleForwardToNextChannel(_ ids.ShortID, m *codec.ForwardToNextChannel) {
	out := &codec.EncryptedMessageChannel{KeyID: m.KeyID, Encrypted: m.Encrypted}
	if err := r.net.SendMessageEx(r.localID, m.Dst, out, transport.FlagDirectOnly); err != nil {
		logger.Debug("dropping ForwardToNextChannel: send failed", "dst", m.Dst, "err", err)
	}
}

// handleEncryptedMessageChannel is handleEncryptedMessage's channel-fast-path
// counterpart: decrypts via the symmetric channel keyed by m.KeyID instead of
// this relay's long-term identity key (design §12).
func (r *Relay) handleEncryptedMessageChannel(src ids.ShortID, m *codec.EncryptedMessageChannel) {
	plaintext, err := r.chKr.Open(m.KeyID, m.Encrypted)
	if err != nil {
		logger.Debug("dropping EncryptedMessageChannel: open failed", "src", src, "key_id", m.KeyID, "err", err)
		return
	}
	inner, err := codec.Decode(plaintext)
	if err != nil {
		logger.Debug("dropping EncryptedMessageChannel: malformed plaintext", "src", src, "err", err)
		return
	}
	r.dispatch(src, r.localID, inner)
}

func (r *Relay) handleForwardToUdp(_ ids.ShortID, m *codec.ForwardToUdp) {
	addr := &net.UDPAddr{IP: m.IP, Port: int(m.Port)}
	if err := r.net.SendUDPPacket(r.localID, addr, transport.FlagDirectOnly, m.Payload); err != nil {
		logger.Debug("dropping ForwardToUdp: send failed", "addr", addr, "err", err)
	}
}

func (r *Relay) handleTunnelPacketPrefix(_ ids.ShortID, m *codec.TunnelPacketPrefix) {
	mp, ok := r.midpoints.Get(m.ID)
	if !ok {
		logger.Debug("dropping TunnelPacketPrefix: unknown midpoint", "id", m.ID)
		return
	}
	if err := mp.Forward(m.Body, nil); err != nil {
		logger.Debug("dropping TunnelPacketPrefix: forward failed", "id", m.ID, "err", err)
	}
}

func (r *Relay) handlePing(_ ids.ShortID, m *codec.Ping) {
	mp, ok := r.midpoints.Get(m.TunnelID)
	if !ok {
		logger.Debug("dropping Ping: unknown tunnel id", "tunnel_id", m.TunnelID)
		return
	}
	pong := &codec.Pong{Nonce: m.Nonce}
	payload, err := codec.Encode(pong)
	if err != nil {
		logger.Debug("dropping Ping: pong encode failed", "tunnel_id", m.TunnelID, "err", err)
		return
	}
	if err := mp.SendCustom(payload); err != nil {
		logger.Debug("dropping Ping: pong send failed", "tunnel_id", m.TunnelID, "err", err)
	}
}

// CreateMidpoint registers a new midpoint under the wire message's
// MessagePrefix field, rejecting a duplicate registration (design §4.2
// CreateTunnelMidpoint entry, §7 KindDuplicate). Exposed separately from
// dispatch because it is exercised directly in the MultipleMessages
// in-order processing contract established by the build protocol (design §4.5).
func (r *Relay) CreateMidpoint(m *codec.CreateTunnelMidpoint) error {
	if _, exists := r.midpoints.Peek(m.MessagePrefix); exists {
		return garlicerr.New(garlicerr.KindDuplicate, "Relay.CreateMidpoint", nil)
	}
	var pub [32]byte
	if len(m.SessionPubKey) != 32 {
		return garlicerr.New(garlicerr.KindMalformed, "Relay.CreateMidpoint", nil)
	}
	copy(pub[:], m.SessionPubKey)
	mp := newMidpoint(r.localID, pub, m.ProxyAs, r.net, r.clock.Now)
	r.midpoints.Add(m.MessagePrefix, mp)
	logger.Info("midpoint created", "message_prefix", m.MessagePrefix, "proxy_as", m.ProxyAs)
	return nil
}

// CreateChannelMidpoint is CreateMidpoint's channel-fast-path counterpart
// (design §12): registers the symmetric channel secret and a midpoint that
// seals return traffic under it instead of a session public key.
func (r *Relay) CreateChannelMidpoint(m *codec.CreateChannel) error {
	if _, exists := r.midpoints.Peek(m.MessagePrefix); exists {
		return garlicerr.New(garlicerr.KindDuplicate, "Relay.CreateChannelMidpoint", nil)
	}
	if err := r.chKr.AddChannel(m.KeyID, m.ChannelSecret); err != nil {
		return err
	}
	mp := newChannelMidpoint(r.localID, m.KeyID, r.chKr, m.ProxyAs, r.net, r.clock.Now)
	r.midpoints.Add(m.MessagePrefix, mp)
	logger.Info("channel midpoint created", "message_prefix", m.MessagePrefix, "key_id", m.KeyID, "proxy_as", m.ProxyAs)
	return nil
}

func (r *Relay) scheduleSweep() {
	var tick func()
	tick = func() {
		select {
		case <-r.stopSweep:
			return
		default:
		}
		r.sweep()
		r.clock.AfterFunc(SweepInterval, tick)
	}
	r.clock.AfterFunc(SweepInterval, tick)
}

func (r *Relay) sweep() {
	now := r.clock.Now()
	for _, key := range r.midpoints.Keys() {
		mp, ok := r.midpoints.Peek(key)
		if !ok {
			continue
		}
		if mp.IdleSince(now) > MidpointTTL {
			r.midpoints.Remove(key)
			logger.Info("midpoint evicted: idle past TTL", "message_prefix", key)
		}
	}
}
