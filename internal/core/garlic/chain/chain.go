// Package chain implements the chain builder / connection actor (design
// §4.5): negotiates a fresh onion-routed tunnel over a chosen relay set,
// tracks per-hop liveness via piggy-backed pongs, reports the first
// unresponsive hop as the causer on failure, and drives periodic
// keepalives once ready.
package chain

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/codec"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/endpoint"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/keyring"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/transport"
	"github.com/dep2p/garlic-tunnel/pkg/lib/log"
)

var logger = log.Logger("garlic/chain")

// State is the chain's lifecycle stage (design §4.5 state machine)
type State int

const (
	StateBuilding State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "Building"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Tuning mirrors the intervals named in design §4.5.
const (
	BuildRetries          = 3
	BuildRetryInterval    = 3 * time.Second
	KeepaliveIntervalMin  = 10 * time.Second
	KeepaliveIntervalMax  = 15 * time.Second
	KeepaliveRetries      = 3
	KeepaliveRetryInterval = 2 * time.Second
)

// Clock abstracts time for deterministic build/keepalive testing
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func())
}

// ExternalAddr is the address the chain publishes once Ready: the terminal
// relay plus the virtual key the outside world addresses the tunnel by
// (design §4.5 Readiness, "(h[N-1], short_id(k[N]))").
type ExternalAddr struct {
	Relay       ids.ShortID
	TerminalKey ids.ShortID
}

// Chain is one onion-routed tunnel build/connection (design §4.5)
type Chain struct {
	ID      uuid.UUID
	hops    []ids.RelayIdentity
	keys    []keyring.KeyPair // k[0..N], N+1 entries
	localID ids.ShortID
	net     transport.ADNL
	kr      keyring.Keyring
	clock   Clock
	ep      *endpoint.Endpoint

	onReady func(ExternalAddr)
	onFail  func(causer ids.ShortID)

	mu          sync.Mutex
	state       State
	buildNonce  codec.Nonce256
	hopAlive    []bool
	buildTries  int
	keepaliveNonce codec.Nonce256
	keepaliveOK    bool
	keepaliveTries int
	stopped     bool
}

// New constructs a chain over the given hop sequence, minting N+1 fresh
// session keypairs and registering the N decrypting ones in kr. onReady and
// onFail are each invoked at most once across the chain's lifetime.
func New(localID ids.ShortID, hops []ids.RelayIdentity, net transport.ADNL, kr keyring.Keyring, clock Clock, onReady func(ExternalAddr), onFail func(ids.ShortID)) (*Chain, error) {
	if len(hops) == 0 {
		return nil, garlicerr.New(garlicerr.KindInvalidArgument, "chain.New", nil)
	}
	keys := make([]keyring.KeyPair, len(hops)+1)
	for i := range keys {
		kp, err := keyring.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		keys[i] = kp
	}
	for i := 0; i < len(hops); i++ {
		if err := kr.AddKey(keys[i]); err != nil {
			return nil, err
		}
	}

	c := &Chain{
		ID:       uuid.New(),
		hops:     hops,
		keys:     keys,
		localID:  localID,
		net:      net,
		kr:       kr,
		clock:    clock,
		onReady:  onReady,
		onFail:   onFail,
		hopAlive: make([]bool, len(hops)),
		state:    StateBuilding,
	}
	c.ep = endpoint.New(keys[:len(hops)], kr, nil, c.onControl)
	return c, nil
}

// TerminalAddr is the address this chain will publish once Ready.
func (c *Chain) TerminalAddr() ExternalAddr {
	return ExternalAddr{Relay: c.hops[len(c.hops)-1].Short, TerminalKey: c.keys[len(c.keys)-1].Short}
}

// State reports the chain's current lifecycle stage
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hop0 is the short id of the first relay in the chain, the address every
// onion-wrapped message is sent to over ADNL.
func (c *Chain) Hop0() ids.ShortID {
	return c.hops[0].Short
}

// WrapPacket onion-wraps fwd for delivery through this chain's hops (design
// §4.6 send_packet, reusing §4.5 step 2's layering).
func (c *Chain) WrapPacket(fwd *codec.ForwardToUdp) (*codec.EncryptedMessage, error) {
	return wrapPacketToHop(c.hops, fwd)
}

// Start subscribes for return traffic and sends the first build attempt.
func (c *Chain) Start() error {
	if err := c.net.Subscribe(c.localID, codec.TagTunnelPacketPrefix, c.onTunnelPacketPrefix); err != nil {
		return err
	}
	if err := c.freshNonce(&c.buildNonce); err != nil {
		return err
	}
	return c.sendBuild()
}

// Stop tears down the chain, purging its session keys from the keyring
// (design §5 "keys created for a chain are removed on chain destruction").
func (c *Chain) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.net.Unsubscribe(c.localID, codec.TagTunnelPacketPrefix)
	for i := 0; i < len(c.hops); i++ {
		_ = c.kr.DelKey(c.keys[i].Short)
	}
}

func (c *Chain) freshNonce(n *codec.Nonce256) error {
	_, err := rand.Read(n[:])
	if err != nil {
		return garlicerr.New(garlicerr.KindCryptoFailure, "chain.freshNonce", err)
	}
	return nil
}

func (c *Chain) sendBuild() error {
	msg, err := buildOnion(c.hops, c.keys, c.localID, c.buildNonce)
	if err != nil {
		return err
	}
	if err := c.net.SendMessageEx(c.localID, c.hops[0].Short, msg, transport.FlagDirectOnly); err != nil {
		logger.Debug("build send failed", "chain_id", c.ID, "hop0", c.hops[0].Short, "err", err)
		return err
	}
	c.mu.Lock()
	c.buildTries++
	tries := c.buildTries
	c.mu.Unlock()
	logger.Debug("build attempt sent", "chain_id", c.ID, "try", tries)
	if tries <= BuildRetries {
		c.clock.AfterFunc(BuildRetryInterval, c.onBuildTimer)
	}
	return nil
}

func (c *Chain) onBuildTimer() {
	c.mu.Lock()
	if c.state != StateBuilding || c.stopped {
		c.mu.Unlock()
		return
	}
	allAlive := allTrue(c.hopAlive)
	tries := c.buildTries
	c.mu.Unlock()

	if allAlive {
		return
	}
	if tries >= BuildRetries {
		c.failBuild()
		return
	}
	_ = c.sendBuild()
}

func (c *Chain) failBuild() {
	c.mu.Lock()
	if c.state != StateBuilding {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	causer := c.hops[0].Short
	for i, alive := range c.hopAlive {
		if !alive {
			causer = c.hops[i].Short
			break
		}
	}
	c.mu.Unlock()
	logger.Info("chain build failed", "chain_id", c.ID, "causer", causer)
	if c.onFail != nil {
		c.onFail(causer)
	}
}

func (c *Chain) onTunnelPacketPrefix(_, _ ids.ShortID, msg codec.Message) {
	tp, ok := msg.(*codec.TunnelPacketPrefix)
	if !ok {
		logger.Debug("dropping return message: not a TunnelPacketPrefix", "chain_id", c.ID)
		return
	}
	if err := c.ep.HandlePrefix(tp); err != nil {
		logger.Debug("dropping return message: peel failed", "chain_id", c.ID, "err", err)
	}
}

// onControl is the endpoint's ControlCallback: a pong surfaced at layer
// senderID, marking that hop alive.
func (c *Chain) onControl(senderID int, payload []byte) {
	decoded, err := codec.Decode(payload)
	if err != nil {
		logger.Debug("dropping control message: decode failed", "chain_id", c.ID, "hop", senderID, "err", err)
		return
	}
	pong, ok := decoded.(*codec.Pong)
	if !ok {
		logger.Debug("dropping control message: not a Pong", "chain_id", c.ID, "hop", senderID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateBuilding:
		if pong.Nonce != c.buildNonce {
			logger.Debug("dropping build Pong: stale nonce", "chain_id", c.ID, "hop", senderID)
			return
		}
		if senderID < 0 || senderID >= len(c.hopAlive) {
			logger.Debug("dropping build Pong: hop out of range", "chain_id", c.ID, "hop", senderID)
			return
		}
		c.hopAlive[senderID] = true
		if senderID == len(c.hops)-1 && allTrue(c.hopAlive) {
			c.state = StateReady
			addr := ExternalAddr{Relay: c.hops[len(c.hops)-1].Short, TerminalKey: c.keys[len(c.keys)-1].Short}
			logger.Info("chain ready", "chain_id", c.ID, "terminal_relay", addr.Relay, "terminal_key", addr.TerminalKey)
			go c.scheduleKeepalive()
			if c.onReady != nil {
				go c.onReady(addr)
			}
		}
	case StateReady:
		if senderID != len(c.hops)-1 || pong.Nonce != c.keepaliveNonce {
			logger.Debug("dropping keepalive Pong: stale or wrong hop", "chain_id", c.ID, "hop", senderID)
			return
		}
		c.keepaliveOK = true
	}
}

func allTrue(b []bool) bool {
	for _, v := range b {
		if !v {
			return false
		}
	}
	return true
}

func (c *Chain) scheduleKeepalive() {
	interval := randDuration(KeepaliveIntervalMin, KeepaliveIntervalMax)
	c.clock.AfterFunc(interval, c.sendKeepalive)
}

func (c *Chain) sendKeepalive() {
	c.mu.Lock()
	if c.state != StateReady || c.stopped {
		c.mu.Unlock()
		return
	}
	if err := c.freshNonce(&c.keepaliveNonce); err != nil {
		c.mu.Unlock()
		return
	}
	c.keepaliveOK = false
	c.keepaliveTries = 0
	nonce := c.keepaliveNonce
	c.mu.Unlock()

	c.sendKeepaliveAttempt(nonce)
}

func (c *Chain) sendKeepaliveAttempt(nonce codec.Nonce256) {
	ping := &codec.Ping{TunnelID: c.keys[len(c.keys)-1].Short, Nonce: nonce}
	msg, err := wrapToHop(c.hops, len(c.hops)-1, ping)
	if err != nil {
		logger.Debug("keepalive wrap failed", "chain_id", c.ID, "err", err)
	} else if err := c.net.SendMessageEx(c.localID, c.hops[0].Short, msg, transport.FlagDirectOnly); err != nil {
		logger.Debug("keepalive send failed", "chain_id", c.ID, "err", err)
	}
	c.clock.AfterFunc(KeepaliveRetryInterval, func() { c.onKeepaliveTimer(nonce) })
}

func (c *Chain) onKeepaliveTimer(nonce codec.Nonce256) {
	c.mu.Lock()
	if c.state != StateReady || c.stopped || c.keepaliveNonce != nonce {
		c.mu.Unlock()
		return
	}
	if c.keepaliveOK {
		c.mu.Unlock()
		c.scheduleKeepalive()
		return
	}
	c.keepaliveTries++
	tries := c.keepaliveTries
	c.mu.Unlock()

	if tries >= KeepaliveRetries {
		c.mu.Lock()
		c.state = StateFailed
		c.mu.Unlock()
		logger.Info("chain keepalive failed", "chain_id", c.ID, "causer", c.hops[len(c.hops)-1].Short)
		if c.onFail != nil {
			c.onFail(c.hops[len(c.hops)-1].Short)
		}
		return
	}
	c.sendKeepaliveAttempt(nonce)
}

// randDuration picks a value uniformly in [min, max) using crypto/rand, per
// the directory's own RNG discipline (design §4.6).
func randDuration(min, max time.Duration) time.Duration {
	span := int64(max - min)
	if span <= 0 {
		return min
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return min
	}
	v := int64(0)
	for _, b := range buf {
		v = v<<8 | int64(b)
	}
	if v < 0 {
		v = -v
	}
	return min + time.Duration(v%span)
}
