// Package manager implements the garlic manager (design §4.6): the
// component that owns the relay directory, at most one active chain, the
// set of secret identities bound to the tunnel, and the periodic alarm that
// keeps relay discovery and chain construction moving.
package manager

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/chain"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/codec"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/directory"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/keyring"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/transport"
	"github.com/dep2p/garlic-tunnel/pkg/lib/log"
)

var logger = log.Logger("garlic/manager")

// CausalCooldown is how long a build's causer is excluded from future
// selection (design §12 supplement, grounded on the original's connection
// manager causer penalty).
const CausalCooldown = 5 * time.Minute

// AlarmInterval is how often the manager refreshes its directory and
// evaluates whether to start a build (design §4.6 "~1-2s").
const AlarmInterval = 2 * time.Second

// RelayDiscoveryFanout is how many overlay peers the alarm requests per tick.
const RelayDiscoveryFanout = 8

// Config parameterizes a Manager (design §4.6, §10.3 Configuration)
type Config struct {
	ChainLength  int           // N, number of relay hops
	StartDelay   time.Duration // minimum uptime before the first build attempt
	EnableSecretDHT bool
}

// secretIdentity is a tunnel-rooted identity bound to the manager's current
// chain (design §4.6 create_secret_id, §4.7)
type secretIdentity struct {
	fullID ids.ShortID
}

// Manager is the garlic manager actor (design §4.6)
type Manager struct {
	cfg     Config
	localID ids.ShortID
	net     transport.ADNL
	overlay transport.Overlay
	kr      keyring.Keyring
	dir     *directory.Directory
	clock   chain.Clock

	mu         sync.Mutex
	secrets    map[ids.ShortID]*secretIdentity
	active     *chain.Chain
	startedAt  time.Time
	dht        transport.DHT
	stopAlarm  chan struct{}
}

// New constructs a manager. dir may be pre-populated by the caller; if nil a
// fresh empty directory is created.
func New(cfg Config, localID ids.ShortID, net transport.ADNL, overlay transport.Overlay, kr keyring.Keyring, clock chain.Clock, dir *directory.Directory) *Manager {
	if dir == nil {
		dir = directory.New(clock.Now)
	}
	if cfg.ChainLength <= 0 {
		cfg.ChainLength = 3
	}
	return &Manager{
		cfg:       cfg,
		localID:   localID,
		net:       net,
		overlay:   overlay,
		kr:        kr,
		dir:       dir,
		clock:     clock,
		secrets:   make(map[ids.ShortID]*secretIdentity),
		startedAt: clock.Now(),
		stopAlarm: make(chan struct{}),
	}
}

// Start begins the alarm loop (design §4.6 alarm())
func (m *Manager) Start() {
	logger.Info("manager started", "local_id", m.localID, "chain_length", m.cfg.ChainLength)
	m.scheduleAlarm()
}

// Stop halts the alarm loop and tears down the active chain, if any.
func (m *Manager) Stop() error {
	logger.Info("manager stopping", "local_id", m.localID)
	close(m.stopAlarm)

	m.mu.Lock()
	active := m.active
	m.active = nil
	dht := m.dht
	m.mu.Unlock()

	var errs error
	if active != nil {
		active.Stop()
	}
	if dht != nil {
		errs = multierr.Append(errs, dht.Close())
	}
	return errs
}

// SendPacket implements send_packet (design §4.6, §7): fire-and-forget.
// If no chain is Ready, drop with a debug log; otherwise onion-wrap payload
// and send to h[0], debug-logging any local send failure rather than
// propagating it (§7 "send_packet is fire-and-forget and only debug-logs
// when there is no ready chain").
func (m *Manager) SendPacket(dstIP net.IP, dstPort uint16, payload []byte) {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	if active == nil || active.State() != chain.StateReady {
		logger.Debug("dropping packet: no ready chain", "dst_ip", dstIP, "dst_port", dstPort)
		return
	}

	flags := codec.FlagIPv4
	if dstIP.To4() == nil {
		flags = codec.FlagIPv6
	}
	fwd := &codec.ForwardToUdp{Flags: flags, IP: dstIP, Port: dstPort, Payload: payload}
	msg, err := active.WrapPacket(fwd)
	if err != nil {
		logger.Debug("dropping packet: wrap failed", "dst_ip", dstIP, "dst_port", dstPort, "err", err)
		return
	}
	if err := m.net.SendMessageEx(m.localID, active.Hop0(), msg, transport.FlagDirectOnly); err != nil {
		logger.Debug("dropping packet: send failed", "dst_ip", dstIP, "dst_port", dstPort, "err", err)
	}
}

// CreateSecretID implements create_secret_id (design §4.6): registers a
// tunnel-rooted identity, binding it to the current chain's address (or an
// empty list if none is ready) with ModeIgnoreRemoteAddr forcing all inbound
// traffic for it through the tunnel.
func (m *Manager) CreateSecretID(fullID ids.ShortID) error {
	m.mu.Lock()
	if _, exists := m.secrets[fullID]; exists {
		m.mu.Unlock()
		err := garlicerr.New(garlicerr.KindDuplicate, "Manager.CreateSecretID", nil)
		logger.Debug("rejecting create_secret_id: already registered", "full_id", fullID, "err", err)
		return err
	}
	m.secrets[fullID] = &secretIdentity{fullID: fullID}
	var addrs []string
	if m.active != nil && m.active.State() == chain.StateReady {
		addrs = []string{addrString(m.active.TerminalAddr())}
	}
	dht := m.dht
	m.mu.Unlock()

	if err := m.net.AddIdentityEx(fullID, addrs, transport.ModeIgnoreRemoteAddr); err != nil {
		return err
	}
	if dht != nil {
		if err := m.net.SetCustomDHTNode(fullID, dht); err != nil {
			return err
		}
	}
	logger.Info("secret identity registered", "full_id", fullID, "addrs", addrs)
	return nil
}

// BindSecretDHT attaches a secret DHT client created outside this package
// (design §4.7); all secret identities subsequently resolve through it.
func (m *Manager) BindSecretDHT(dht transport.DHT) {
	m.mu.Lock()
	m.dht = dht
	m.mu.Unlock()
}

func addrString(addr chain.ExternalAddr) string {
	return addr.Relay.String() + "/" + addr.TerminalKey.String()
}

func (m *Manager) scheduleAlarm() {
	select {
	case <-m.stopAlarm:
		return
	default:
	}
	m.alarm()
	m.clock.AfterFunc(AlarmInterval, m.scheduleAlarm)
}

// alarm implements the periodic refresh (design §4.6 alarm())
func (m *Manager) alarm() {
	ctx, cancel := context.WithTimeout(context.Background(), AlarmInterval)
	defer cancel()
	peers, err := m.overlay.GetOverlayRandomPeers(ctx, m.localID, transport.GarlicOverlayID, RelayDiscoveryFanout)
	if err == nil {
		m.dir.Merge(peers...)
	}

	m.mu.Lock()
	hasChain := m.active != nil
	pastStartDelay := m.clock.Now().Sub(m.startedAt) >= m.cfg.StartDelay
	m.mu.Unlock()

	if hasChain || !pastStartDelay {
		return
	}
	if m.dir.Len() < m.cfg.ChainLength {
		logger.Debug("skipping build: directory too small", "have", m.dir.Len(), "need", m.cfg.ChainLength)
		return
	}
	if err := m.buildChain(); err != nil {
		logger.Debug("build attempt failed to start", "err", err)
	}
}

func (m *Manager) buildChain() error {
	hops, err := m.dir.SelectN(m.cfg.ChainLength)
	if err != nil {
		logger.Debug("dropping build: relay selection failed", "err", err)
		return err
	}
	c, err := chain.New(m.localID, hops, m.net, m.kr, m.clock, m.onChainReady, m.onChainFail)
	if err != nil {
		logger.Debug("dropping build: chain construction failed", "err", err)
		return err
	}

	m.mu.Lock()
	m.active = c
	m.mu.Unlock()

	logger.Info("chain build started", "chain_id", c.ID, "hops", hops)
	return c.Start()
}

// onChainReady implements on_chain_ready (design §4.6): re-bind every known
// secret identity to the new address.
func (m *Manager) onChainReady(addr chain.ExternalAddr) {
	m.mu.Lock()
	secrets := make([]ids.ShortID, 0, len(m.secrets))
	for id := range m.secrets {
		secrets = append(secrets, id)
	}
	m.mu.Unlock()

	logger.Info("chain ready: rebinding secret identities", "terminal_relay", addr.Relay, "terminal_key", addr.TerminalKey, "count", len(secrets))
	for _, id := range secrets {
		if err := m.net.AddIdentityEx(id, []string{addrString(addr)}, transport.ModeIgnoreRemoteAddr); err != nil {
			logger.Debug("rebind failed", "full_id", id, "err", err)
		}
	}
}

// onChainFail implements on_chain_fail (design §4.6): drop the chain, cool
// the causer down in the directory, and rebind every secret identity to the
// empty address list for the gap until a replacement chain becomes ready
// (design §8 scenario 6).
func (m *Manager) onChainFail(causer ids.ShortID) {
	logger.Info("chain failed: rebinding secret identities to empty address list", "causer", causer)
	m.mu.Lock()
	if m.active != nil {
		m.active.Stop()
		m.active = nil
	}
	secrets := make([]ids.ShortID, 0, len(m.secrets))
	for id := range m.secrets {
		secrets = append(secrets, id)
	}
	m.mu.Unlock()

	for _, id := range secrets {
		if err := m.net.AddIdentityEx(id, nil, transport.ModeIgnoreRemoteAddr); err != nil {
			logger.Debug("rebind-to-empty failed", "full_id", id, "err", err)
		}
	}

	m.dir.Cooldown(causer, CausalCooldown)
}
