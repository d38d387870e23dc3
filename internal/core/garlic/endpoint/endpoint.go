// Package endpoint implements the client-side tunnel endpoint (design §4.4):
// the per-hop peel loop that strips one layer of onion encryption at a time
// from an inbound TunnelPacketPrefix until either a control message is
// uncovered (a pong) or the final raw datagram is recovered.
package endpoint

import (
	"net"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/codec"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/keyring"
	"github.com/dep2p/garlic-tunnel/pkg/lib/log"
)

var logger = log.Logger("garlic/endpoint")

// PacketCallback is invoked once the last layer is peeled, delivering the
// recovered datagram as if received directly from fromAddr.
type PacketCallback func(fromAddr *net.UDPAddr, payload []byte)

// ControlCallback is invoked when a layer decrypts to a TunnelCustomMessage
// (a pong, or another control reply) instead of another onion layer.
// senderID is the hop index (0-based) at which the control message surfaced.
type ControlCallback func(senderID int, payload []byte)

// Endpoint peels the return-path layers that one chain's relay midpoints add
// under its session keypairs k[0..N-1] (design §4.4). k[N], the terminal virtual key, is never
// decrypted with and is not held here.
type Endpoint struct {
	keys []keyring.KeyPair
	kr   keyring.Keyring

	onPacket PacketCallback
	onCtrl   ControlCallback
}

// New constructs an endpoint over the per-hop session keys, which must
// already be registered in kr via AddKey.
func New(keys []keyring.KeyPair, kr keyring.Keyring, onPacket PacketCallback, onCtrl ControlCallback) *Endpoint {
	return &Endpoint{keys: keys, kr: kr, onPacket: onPacket, onCtrl: onCtrl}
}

// HandlePrefix processes one inbound TunnelPacketPrefix, peeling layers in
// order until a control message or the final datagram surfaces (design
// §4.4). The id check against short_id(k[0]) applies to this, the outermost
// and only ADNL-tagged layer; subsequent layers arrive as opaque ciphertext
// nested in TunnelPacketContents.Inner and are positionally bound to k[i] —
// relay midpoints never re-emit a tagged TunnelPacketPrefix for nested
// content, so there is nothing to re-check past layer 0 (see DESIGN.md).
func (e *Endpoint) HandlePrefix(tp *codec.TunnelPacketPrefix) error {
	if len(e.keys) == 0 {
		err := garlicerr.New(garlicerr.KindInvalidArgument, "Endpoint.HandlePrefix", nil)
		logger.Debug("dropping TunnelPacketPrefix: no session keys", "err", err)
		return err
	}
	if tp.ID != e.keys[0].Short {
		err := garlicerr.New(garlicerr.KindMalformed, "Endpoint.HandlePrefix", nil)
		logger.Debug("dropping TunnelPacketPrefix: id mismatch on layer 0", "id", tp.ID, "err", err)
		return err
	}

	remainder := tp.Body
	var fromIP net.IP
	var fromPort uint16
	haveAddr := false

	for i := 0; i < len(e.keys); i++ {
		plaintext, err := e.kr.Decrypt(e.keys[i].Short, remainder)
		if err != nil {
			err = garlicerr.New(garlicerr.KindCryptoFailure, "Endpoint.HandlePrefix", err)
			logger.Debug("dropping TunnelPacketPrefix: peel failed", "layer", i, "err", err)
			return err
		}
		msg, err := codec.Decode(plaintext)
		if err != nil {
			logger.Debug("dropping TunnelPacketPrefix: malformed layer", "layer", i, "err", err)
			return err
		}
		switch m := msg.(type) {
		case *codec.TunnelCustomMessage:
			if e.onCtrl != nil {
				e.onCtrl(i, m.Payload)
			}
			return nil
		case *codec.TunnelPacketContents:
			if m.Flags&codec.ContentsHasAddr != 0 {
				fromIP = m.FromIP
				fromPort = m.FromPort
				haveAddr = true
			}
			if m.Flags&codec.ContentsHasInner == 0 {
				err := garlicerr.New(garlicerr.KindMalformed, "Endpoint.HandlePrefix", nil)
				logger.Debug("dropping TunnelPacketPrefix: contents missing inner", "layer", i, "err", err)
				return err
			}
			remainder = m.Inner
		default:
			err := garlicerr.New(garlicerr.KindMalformed, "Endpoint.HandlePrefix", nil)
			logger.Debug("dropping TunnelPacketPrefix: unexpected message type", "layer", i, "err", err)
			return err
		}
	}

	if e.onPacket != nil {
		var addr *net.UDPAddr
		if haveAddr {
			addr = &net.UDPAddr{IP: fromIP, Port: int(fromPort)}
		}
		e.onPacket(addr, remainder)
	}
	return nil
}

// CloneKeys exposes the short ids this endpoint decrypts with, for wiring
// into a Relay-free test double or into chain teardown (key purge on
// destruction, design §5).
func CloneKeys(keys []keyring.KeyPair) []ids.ShortID {
	out := make([]ids.ShortID, len(keys))
	for i, k := range keys {
		out[i] = k.Short
	}
	return out
}
