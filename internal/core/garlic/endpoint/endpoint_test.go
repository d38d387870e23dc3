package endpoint

import (
	"net"
	"testing"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/codec"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/keyring"
)

func mustKeyPair(t *testing.T) keyring.KeyPair {
	t.Helper()
	kp, err := keyring.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp
}

// buildNestedPrefix simulates what N relay midpoints would produce by hand:
// wrap payload in TunnelPacketContents under the innermost key, then wrap
// that ciphertext again under each preceding key, finally returning the
// outermost TunnelPacketPrefix the client receives over ADNL.
func buildNestedPrefix(t *testing.T, keys []keyring.KeyPair, payload []byte, fromAddr *net.UDPAddr) *codec.TunnelPacketPrefix {
	t.Helper()
	n := len(keys)
	contents := &codec.TunnelPacketContents{Inner: payload, Flags: codec.ContentsHasInner}
	if fromAddr != nil {
		contents.Flags |= codec.ContentsHasAddr
		contents.FromIP = fromAddr.IP
		contents.FromPort = uint16(fromAddr.Port)
	}
	plaintext, err := codec.Encode(contents)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	body, err := keyring.EncryptFor(keys[n-1].Public, plaintext)
	if err != nil {
		t.Fatalf("EncryptFor: %v", err)
	}
	for i := n - 2; i >= 0; i-- {
		wrapped := &codec.TunnelPacketContents{Inner: body, Flags: codec.ContentsHasInner}
		plaintext, err := codec.Encode(wrapped)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		body, err = keyring.EncryptFor(keys[i].Public, plaintext)
		if err != nil {
			t.Fatalf("EncryptFor: %v", err)
		}
	}
	return &codec.TunnelPacketPrefix{ID: keys[0].Short, Body: body}
}

func TestHandlePrefixPeelsAllLayers(t *testing.T) {
	keys := []keyring.KeyPair{mustKeyPair(t), mustKeyPair(t), mustKeyPair(t)}
	kr := keyring.New()
	for _, k := range keys {
		if err := kr.AddKey(k); err != nil {
			t.Fatalf("AddKey: %v", err)
		}
	}

	addr := &net.UDPAddr{IP: net.IPv4(5, 6, 7, 8), Port: 1234}
	prefix := buildNestedPrefix(t, keys, []byte("payload"), addr)

	var gotAddr *net.UDPAddr
	var gotPayload []byte
	ep := New(keys, kr, func(a *net.UDPAddr, p []byte) {
		gotAddr = a
		gotPayload = p
	}, nil)

	if err := ep.HandlePrefix(prefix); err != nil {
		t.Fatalf("HandlePrefix: %v", err)
	}
	if string(gotPayload) != "payload" {
		t.Fatalf("payload mismatch: %q", gotPayload)
	}
	if gotAddr == nil || !gotAddr.IP.Equal(addr.IP) || gotAddr.Port != addr.Port {
		t.Fatalf("address mismatch: %v", gotAddr)
	}
}

func TestHandlePrefixControlMessageAtLayer(t *testing.T) {
	keys := []keyring.KeyPair{mustKeyPair(t), mustKeyPair(t)}
	kr := keyring.New()
	for _, k := range keys {
		if err := kr.AddKey(k); err != nil {
			t.Fatalf("AddKey: %v", err)
		}
	}

	// a pong surfacing at layer 0: only one encryption layer, under keys[0]
	pong := &codec.Pong{}
	pong.Nonce[0] = 0x42
	custom := &codec.TunnelCustomMessage{}
	encodedPong, err := codec.Encode(pong)
	if err != nil {
		t.Fatalf("Encode pong: %v", err)
	}
	custom.Payload = encodedPong
	plaintext, err := codec.Encode(custom)
	if err != nil {
		t.Fatalf("Encode custom: %v", err)
	}
	body, err := keyring.EncryptFor(keys[0].Public, plaintext)
	if err != nil {
		t.Fatalf("EncryptFor: %v", err)
	}
	prefix := &codec.TunnelPacketPrefix{ID: keys[0].Short, Body: body}

	var gotSender int = -1
	var gotPayload []byte
	ep := New(keys, kr, nil, func(senderID int, payload []byte) {
		gotSender = senderID
		gotPayload = payload
	})

	if err := ep.HandlePrefix(prefix); err != nil {
		t.Fatalf("HandlePrefix: %v", err)
	}
	if gotSender != 0 {
		t.Fatalf("expected sender_id 0, got %d", gotSender)
	}
	decoded, err := codec.Decode(gotPayload)
	if err != nil {
		t.Fatalf("decode control payload: %v", err)
	}
	gotPong, ok := decoded.(*codec.Pong)
	if !ok || gotPong.Nonce[0] != 0x42 {
		t.Fatalf("unexpected control payload: %+v", decoded)
	}
}

func TestHandlePrefixMismatchedIDDropped(t *testing.T) {
	keys := []keyring.KeyPair{mustKeyPair(t)}
	kr := keyring.New()
	_ = kr.AddKey(keys[0])
	ep := New(keys, kr, nil, nil)
	bogus := &codec.TunnelPacketPrefix{ID: mustKeyPair(t).Short, Body: []byte("x")}
	if err := ep.HandlePrefix(bogus); err == nil {
		t.Fatal("expected error for mismatched id")
	}
}
