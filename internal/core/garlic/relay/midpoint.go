package relay

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/codec"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/keyring"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/transport"
)

// Midpoint is the relay-side per-hop state created by CreateTunnelMidpoint or
// CreateChannel (design §3, §4.3, §12). It owns the sealing function under
// which return traffic is encrypted for this hop, the predecessor short id,
// and (implicitly) the registration key under which it is addressed by the
// next hop downstream. A midpoint seals either asymmetrically (under a
// session public key) or, once a channel fast path is established,
// symmetrically (under a channel secret keyed by KeyID) — the two are
// otherwise identical in every other respect.
type Midpoint struct {
	selfID  ids.ShortID
	seal    func(plaintext []byte) ([]byte, error)
	proxyAs ids.ShortID
	localID ids.ShortID

	net      transport.ADNL
	nowFn    func() time.Time
	lastSeen atomic.Int64 // unix nanos, refreshed by any traffic
}

func newMidpoint(localID ids.ShortID, pub [32]byte, proxyAs ids.ShortID, net transport.ADNL, nowFn func() time.Time) *Midpoint {
	m := &Midpoint{
		selfID:  ids.ShortIDFromPublicKey(pub[:]),
		seal:    func(plaintext []byte) ([]byte, error) { return keyring.EncryptFor(pub, plaintext) },
		proxyAs: proxyAs,
		localID: localID,
		net:     net,
		nowFn:   nowFn,
	}
	m.touch()
	return m
}

// newChannelMidpoint is CreateChannel's counterpart to newMidpoint (design
// §12 channel fast path): return traffic seals under a symmetric channel
// secret indexed by keyID instead of a session public key.
func newChannelMidpoint(localID ids.ShortID, keyID codec.KeyID, chKr keyring.ChannelKeyring, proxyAs ids.ShortID, net transport.ADNL, nowFn func() time.Time) *Midpoint {
	m := &Midpoint{
		selfID:  ids.ShortIDFromPublicKey(keyID[:]),
		seal:    func(plaintext []byte) ([]byte, error) { return chKr.SealFor(keyID, plaintext) },
		proxyAs: proxyAs,
		localID: localID,
		net:     net,
		nowFn:   nowFn,
	}
	m.touch()
	return m
}

func (m *Midpoint) touch() {
	m.lastSeen.Store(m.nowFn().UnixNano())
}

// IdleSince reports how long it has been since this midpoint last saw traffic
func (m *Midpoint) IdleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, m.lastSeen.Load()))
}

// selfKeyShort is the id this midpoint uses to address itself when sending
// upstream — the value the predecessor registered it under at creation time
// (design §4.3's "key_short_id"): short_id(pub) for an asymmetric midpoint,
// short_id(keyID) for a channel one.
func (m *Midpoint) selfKeyShort() ids.ShortID {
	return m.selfID
}

// Forward wraps raw bytes (a UDP datagram, or an opaque blob received from a
// downstream peer) in TunnelPacketContents, seals it for this hop (under the
// session public key, or the channel secret for a channel midpoint), and
// sends it upstream to proxyAs (design §4.3).
func (m *Midpoint) Forward(body []byte, fromAddr *net.UDPAddr) error {
	m.touch()

	contents := &codec.TunnelPacketContents{Inner: body, Flags: codec.ContentsHasInner}
	if fromAddr != nil {
		contents.Flags |= codec.ContentsHasAddr
		contents.FromIP = fromAddr.IP
		contents.FromPort = uint16(fromAddr.Port)
	}

	plaintext, err := codec.Encode(contents)
	if err != nil {
		return err
	}
	return m.sealAndSend(plaintext)
}

// SendCustom wraps a raw control payload (e.g. a serialized Pong) in
// TunnelCustomMessage and sends it upstream identically to Forward
// (design §4.3's send_custom_message entry point).
func (m *Midpoint) SendCustom(payload []byte) error {
	m.touch()
	msg := &codec.TunnelCustomMessage{Payload: payload}
	plaintext, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	return m.sealAndSend(plaintext)
}

func (m *Midpoint) sealAndSend(plaintext []byte) error {
	ciphertext, err := m.seal(plaintext)
	if err != nil {
		return err
	}
	prefix := &codec.TunnelPacketPrefix{ID: m.selfKeyShort(), Body: ciphertext}
	return m.net.SendMessageEx(m.localID, m.proxyAs, prefix, transport.FlagDirectOnly)
}
