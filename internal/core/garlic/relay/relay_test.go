package relay

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/codec"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/keyring"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/transport"
)

func newTestRelay(t *testing.T, fn *transport.FakeNetwork, identity ids.RelayIdentity, longTermPriv keyring.KeyPair) *Relay {
	t.Helper()
	kr := keyring.New()
	if err := kr.AddKey(longTermPriv); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	r, err := New(identity.Short, fn.ForSite(), kr, WrapClock(clock.NewMock()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return r
}

// TestSingleHopUDPEmission exercises a one-hop build by hand: a client
// directly creates a midpoint on a single relay, feeds it a raw "UDP" reply,
// and observes it sealed under the session key and emitted as a
// TunnelPacketPrefix back at the client, which decrypts it.
func TestSingleHopUDPEmission(t *testing.T) {
	fn := transport.NewFakeNetwork()

	relayKP, err := keyring.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	relayIdentity := ids.NewRelayIdentity(relayKP.PublicRaw())
	r := newTestRelay(t, fn, relayIdentity, relayKP)

	clientID := ids.ShortIDFromPublicKey([]byte("client"))

	sessionKP, err := keyring.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair session: %v", err)
	}
	messagePrefix := ids.ShortIDFromPublicKey([]byte("next-hop-key"))

	create := &codec.CreateTunnelMidpoint{
		SessionPubKey: sessionKP.PublicRaw(),
		ProxyAs:       clientID,
		MessagePrefix: messagePrefix,
	}
	plaintext, err := codec.Encode(&codec.MultipleMessages{Messages: []codec.Message{create}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ciphertext, err := keyring.EncryptFor(relayKP.Public, plaintext)
	if err != nil {
		t.Fatalf("EncryptFor: %v", err)
	}

	if err := fn.ForSite().SendMessageEx(clientID, relayIdentity.Short, &codec.EncryptedMessage{Encrypted: ciphertext}, 0); err != nil {
		t.Fatalf("SendMessageEx build: %v", err)
	}

	received := make(chan *codec.TunnelPacketPrefix, 1)
	if err := fn.ForSite().Subscribe(clientID, codec.TagTunnelPacketPrefix, func(_, _ ids.ShortID, msg codec.Message) {
		if tp, ok := msg.(*codec.TunnelPacketPrefix); ok {
			received <- tp
		}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// the fake network delivers the build message on the relay's own
	// goroutine, so wait until the midpoint it creates is registered
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := r.midpoints.Peek(messagePrefix); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for midpoint creation")
		}
		time.Sleep(time.Millisecond)
	}

	if err := r.HandleInboundUDP(messagePrefix, &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 9000}, []byte("hello")); err != nil {
		t.Fatalf("HandleInboundUDP: %v", err)
	}

	select {
	case tp := <-received:
		if tp.ID != ids.ShortIDFromPublicKey(sessionKP.PublicRaw()) {
			t.Fatalf("unexpected prefix id")
		}
		clientKr := keyring.New()
		if err := clientKr.AddKey(sessionKP); err != nil {
			t.Fatalf("AddKey client: %v", err)
		}
		inner, err := clientKr.Decrypt(sessionKP.Short, tp.Body)
		if err != nil {
			t.Fatalf("client Decrypt: %v", err)
		}
		msg, err := codec.Decode(inner)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		contents, ok := msg.(*codec.TunnelPacketContents)
		if !ok {
			t.Fatalf("expected TunnelPacketContents, got %T", msg)
		}
		if string(contents.Inner) != "hello" {
			t.Fatalf("payload mismatch: %q", contents.Inner)
		}
		if contents.Flags&codec.ContentsHasAddr == 0 {
			t.Fatalf("expected ContentsHasAddr set")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for return packet")
	}
}

func TestDuplicateMidpointRejected(t *testing.T) {
	fn := transport.NewFakeNetwork()
	relayKP, _ := keyring.GenerateKeyPair()
	relayIdentity := ids.NewRelayIdentity(relayKP.PublicRaw())
	r := newTestRelay(t, fn, relayIdentity, relayKP)

	sessionKP, _ := keyring.GenerateKeyPair()
	prefix := ids.ShortIDFromPublicKey([]byte("dup"))
	create := &codec.CreateTunnelMidpoint{SessionPubKey: sessionKP.PublicRaw(), MessagePrefix: prefix}

	if err := r.CreateMidpoint(create); err != nil {
		t.Fatalf("first CreateMidpoint: %v", err)
	}
	if err := r.CreateMidpoint(create); err == nil {
		t.Fatal("expected Duplicate on second CreateMidpoint")
	}
}

// TestIdleMidpointEvicted exercises design §8 scenario 4: a midpoint that
// sees no traffic for longer than MidpointTTL is swept away by the next
// sweep tick, and inbound UDP addressed to it afterwards is dropped Unknown.
func TestIdleMidpointEvicted(t *testing.T) {
	fn := transport.NewFakeNetwork()
	relayKP, _ := keyring.GenerateKeyPair()
	relayIdentity := ids.NewRelayIdentity(relayKP.PublicRaw())

	kr := keyring.New()
	if err := kr.AddKey(relayKP); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	mock := clock.NewMock()
	r, err := New(relayIdentity.Short, fn.ForSite(), kr, WrapClock(mock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sessionKP, _ := keyring.GenerateKeyPair()
	prefix := ids.ShortIDFromPublicKey([]byte("idle"))
	create := &codec.CreateTunnelMidpoint{SessionPubKey: sessionKP.PublicRaw(), MessagePrefix: prefix}
	if err := r.CreateMidpoint(create); err != nil {
		t.Fatalf("CreateMidpoint: %v", err)
	}

	ticks := int(MidpointTTL/SweepInterval) + 2
	for i := 0; i < ticks; i++ {
		mock.Add(SweepInterval)
		time.Sleep(5 * time.Millisecond)
	}

	if err := r.HandleInboundUDP(prefix, &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 9000}, []byte("late")); err == nil {
		t.Fatal("expected Unknown after idle eviction")
	}
}

// TestChannelFastPathForward exercises the symmetric channel path (design
// §12): a CreateChannel registers a midpoint whose return traffic seals
// under the channel secret, and inbound UDP fed to it comes back at the
// client as a TunnelPacketPrefix that opens with that secret.
func TestChannelFastPathForward(t *testing.T) {
	fn := transport.NewFakeNetwork()
	relayKP, err := keyring.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	relayIdentity := ids.NewRelayIdentity(relayKP.PublicRaw())
	r := newTestRelay(t, fn, relayIdentity, relayKP)

	clientID := ids.ShortIDFromPublicKey([]byte("channel-client"))
	messagePrefix := ids.ShortIDFromPublicKey([]byte("channel-next-hop"))

	var keyID codec.KeyID
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	copy(keyID[:], secret[:16])

	create := &codec.CreateChannel{KeyID: keyID, ChannelSecret: secret, ProxyAs: clientID, MessagePrefix: messagePrefix}
	if err := r.CreateChannelMidpoint(create); err != nil {
		t.Fatalf("CreateChannelMidpoint: %v", err)
	}

	received := make(chan *codec.TunnelPacketPrefix, 1)
	if err := fn.ForSite().Subscribe(clientID, codec.TagTunnelPacketPrefix, func(_, _ ids.ShortID, msg codec.Message) {
		if tp, ok := msg.(*codec.TunnelPacketPrefix); ok {
			received <- tp
		}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := r.HandleInboundUDP(messagePrefix, &net.UDPAddr{IP: net.IPv4(5, 6, 7, 8), Port: 4242}, []byte("via-channel")); err != nil {
		t.Fatalf("HandleInboundUDP: %v", err)
	}

	select {
	case tp := <-received:
		if tp.ID != ids.ShortIDFromPublicKey(keyID[:]) {
			t.Fatalf("unexpected prefix id")
		}
		chKr := keyring.NewChannelKeyring()
		if err := chKr.AddChannel(keyID, secret); err != nil {
			t.Fatalf("AddChannel: %v", err)
		}
		inner, err := chKr.Open(keyID, tp.Body)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		msg, err := codec.Decode(inner)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		contents, ok := msg.(*codec.TunnelPacketContents)
		if !ok {
			t.Fatalf("expected TunnelPacketContents, got %T", msg)
		}
		if string(contents.Inner) != "via-channel" {
			t.Fatalf("payload mismatch: %q", contents.Inner)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for return packet")
	}
}

// TestChannelDuplicateRejected mirrors TestDuplicateMidpointRejected for the
// channel registration path.
func TestChannelDuplicateRejected(t *testing.T) {
	fn := transport.NewFakeNetwork()
	relayKP, _ := keyring.GenerateKeyPair()
	relayIdentity := ids.NewRelayIdentity(relayKP.PublicRaw())
	r := newTestRelay(t, fn, relayIdentity, relayKP)

	var keyID codec.KeyID
	secret := make([]byte, 32)
	prefix := ids.ShortIDFromPublicKey([]byte("channel-dup"))
	create := &codec.CreateChannel{KeyID: keyID, ChannelSecret: secret, MessagePrefix: prefix}

	if err := r.CreateChannelMidpoint(create); err != nil {
		t.Fatalf("first CreateChannelMidpoint: %v", err)
	}
	if err := r.CreateChannelMidpoint(create); err == nil {
		t.Fatal("expected Duplicate on second CreateChannelMidpoint")
	}
}
