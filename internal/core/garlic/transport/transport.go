// Package transport declares the external collaborators consumed by the
// garlic tunnel (design §6): the ADNL datagram transport, the discovery
// overlay and the optional secret DHT client. All three are implemented
// elsewhere in the surrounding node and are treated here strictly as
// interfaces, per spec.md §1's "deliberately out of scope" list.
package transport

import (
	"context"
	"net"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/codec"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
)

// SendFlags mirror the ADNL transport's send_message_ex flag bits
type SendFlags uint8

const (
	// FlagDirectOnly suppresses overlay-assisted peer discovery for this send
	FlagDirectOnly SendFlags = 1 << 0
)

// Handler receives messages whose wire tag matches a subscription
type Handler func(src, dst ids.ShortID, msg codec.Message)

// ADNL is the subset of the ADNL transport the garlic tunnel consumes
// (design §6 "ADNL transport (consumed)")
type ADNL interface {
	// Subscribe routes incoming messages addressed to localID whose tag
	// equals tag to handler. Only one handler per (localID, tag) may be active.
	Subscribe(localID ids.ShortID, tag codec.Tag, handler Handler) error
	// Unsubscribe removes a previously installed handler
	Unsubscribe(localID ids.ShortID, tag codec.Tag)

	// SendMessage is a best-effort send of an already-encoded message
	SendMessage(src, dst ids.ShortID, msg codec.Message) error
	// SendMessageEx is SendMessage with flags, e.g. FlagDirectOnly
	SendMessageEx(src, dst ids.ShortID, msg codec.Message, flags SendFlags) error

	// SendUDPPacket emits payload as a raw UDP datagram from srcID's
	// perspective to the given address, with no reply expected
	SendUDPPacket(srcID ids.ShortID, addr *net.UDPAddr, flags SendFlags, payload []byte) error

	// AddIdentityEx registers a local identity; addrList is empty when no
	// chain is ready yet (design §3 "secret identities ... bound to an
	// empty address"); modeFlags mirror the ADNL mode bits (IgnoreRemoteAddr,
	// CustomDHTNode)
	AddIdentityEx(fullID ids.ShortID, addrList []string, modeFlags IdentityModeFlags) error

	// SetCustomDHTNode binds a secret DHT client to a local identity
	SetCustomDHTNode(id ids.ShortID, dht DHT) error
}

// IdentityModeFlags mirror add_id_ex's mode_flags bitset
type IdentityModeFlags uint8

const (
	// ModeIgnoreRemoteAddr forces inbound traffic through the tunnel,
	// ignoring any address peers advertise for this identity
	ModeIgnoreRemoteAddr IdentityModeFlags = 1 << 0
	// ModeCustomDHTNode marks the identity as resolved via a bound secret DHT
	ModeCustomDHTNode IdentityModeFlags = 1 << 1
)

// Overlay is the discovery-overlay subset consumed to find candidate relays
// (design §6 "Discovery overlay (consumed)")
type Overlay interface {
	CreatePublicOverlay(ctx context.Context, localID ids.ShortID, overlayID [32]byte) error
	DeleteOverlay(localID ids.ShortID, overlayID [32]byte)
	// GetOverlayRandomPeers returns up to k peer identities known in the
	// overlay, each carrying the long-term public key needed to address it
	// with the asymmetric wire encryptor.
	GetOverlayRandomPeers(ctx context.Context, localID ids.ShortID, overlayID [32]byte, k int) ([]ids.RelayIdentity, error)
}

// DHT is the minimal secret-DHT-client surface the garlic manager binds to a
// tunnel-rooted identity (design §4.7)
type DHT interface {
	Close() error
}

// GarlicOverlayID is the fixed, domain-constant overlay id all garlic relays
// and clients join (design §6). It is the blake3 hash of the well-known
// garlic-overlay descriptor tag, standing in for the original's "hash of the
// TL tag" derivation.
var GarlicOverlayID = deriveGarlicOverlayID()

func deriveGarlicOverlayID() [32]byte {
	const descriptorTag = "garlic.overlay.v1"
	return ids.ShortIDFromPublicKey([]byte(descriptorTag))
}
