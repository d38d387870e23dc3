package chain

import (
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/codec"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/keyring"
)

// proxyAsFor returns the predecessor short id a hop's midpoint should route
// return traffic to: the local client for hop 0, the previous hop otherwise
// (design §4.5 step 1).
func proxyAsFor(i int, hops []ids.RelayIdentity, localID ids.ShortID) ids.ShortID {
	if i == 0 {
		return localID
	}
	return hops[i-1].Short
}

func pubKeyOf(identity ids.RelayIdentity) [32]byte {
	var out [32]byte
	copy(out[:], identity.PubKey)
	return out
}

// buildOnion constructs the full N-hop setup bundle (design §4.5 steps 1-2):
// one CreateTunnelMidpoint+Ping clove per hop, layered backward into nested
// ForwardToNext/MultipleMessages wrappers, and sealed for h[0].
//
// keys must hold N+1 entries: keys[0..N-1] are the per-hop session keypairs,
// keys[N] is the virtual terminal key whose short id names the externally
// visible tunnel address.
func buildOnion(hops []ids.RelayIdentity, keys []keyring.KeyPair, localID ids.ShortID, nonce codec.Nonce256) (*codec.EncryptedMessage, error) {
	n := len(hops)

	var cur codec.Message = &codec.MultipleMessages{Messages: []codec.Message{
		&codec.CreateTunnelMidpoint{
			SessionPubKey: keys[n-1].PublicRaw(),
			ProxyAs:       proxyAsFor(n-1, hops, localID),
			MessagePrefix: keys[n].Short,
		},
		&codec.Ping{TunnelID: keys[n].Short, Nonce: nonce},
	}}

	for i := n - 2; i >= 0; i-- {
		prevBlob, err := codec.Encode(cur)
		if err != nil {
			return nil, err
		}
		ciphertext, err := keyring.EncryptFor(pubKeyOf(hops[i+1]), prevBlob)
		if err != nil {
			return nil, err
		}
		cur = &codec.MultipleMessages{Messages: []codec.Message{
			&codec.CreateTunnelMidpoint{
				SessionPubKey: keys[i].PublicRaw(),
				ProxyAs:       proxyAsFor(i, hops, localID),
				MessagePrefix: keys[i+1].Short,
			},
			&codec.Ping{TunnelID: keys[i+1].Short, Nonce: nonce},
			&codec.ForwardToNext{Dst: hops[i+1].Short, Encrypted: ciphertext},
		}}
	}

	return sealForHop0(hops, cur)
}

// wrapToHop onion-wraps inner so that only hops[0..targetIndex-1] forward it
// and hops[targetIndex] is the one that decrypts and acts on it. Used for
// keepalive pings, which target an already-built midpoint chain directly
// without any fresh CreateTunnelMidpoint cloves (design §4.5 "Keepalive").
func wrapToHop(hops []ids.RelayIdentity, targetIndex int, inner codec.Message) (*codec.EncryptedMessage, error) {
	blob, err := codec.Encode(inner)
	if err != nil {
		return nil, err
	}
	for i := targetIndex - 1; i >= 0; i-- {
		ciphertext, err := keyring.EncryptFor(pubKeyOf(hops[i+1]), blob)
		if err != nil {
			return nil, err
		}
		fwd := &codec.ForwardToNext{Dst: hops[i+1].Short, Encrypted: ciphertext}
		blob, err = codec.Encode(fwd)
		if err != nil {
			return nil, err
		}
	}
	return sealForHop0Bytes(hops, blob)
}

// wrapPacketToHop onion-wraps a ForwardToUdp payload exactly like
// wrapToHop, used by the garlic manager's send_packet (design §4.6).
func wrapPacketToHop(hops []ids.RelayIdentity, fwd *codec.ForwardToUdp) (*codec.EncryptedMessage, error) {
	return wrapToHop(hops, len(hops)-1, fwd)
}

func sealForHop0(hops []ids.RelayIdentity, msg codec.Message) (*codec.EncryptedMessage, error) {
	blob, err := codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	return sealForHop0Bytes(hops, blob)
}

func sealForHop0Bytes(hops []ids.RelayIdentity, blob []byte) (*codec.EncryptedMessage, error) {
	ciphertext, err := keyring.EncryptFor(pubKeyOf(hops[0]), blob)
	if err != nil {
		return nil, err
	}
	return &codec.EncryptedMessage{Encrypted: ciphertext}, nil
}
