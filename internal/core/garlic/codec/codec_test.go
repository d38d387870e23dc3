package codec

import (
	"net"
	"testing"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	raw, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return decoded
}

func TestForwardToUdpRoundTrip(t *testing.T) {
	m := &ForwardToUdp{Flags: FlagIPv4, IP: net.ParseIP("127.0.0.1").To4(), Port: 9999, Payload: []byte("hello")}
	decoded := roundTrip(t, m).(*ForwardToUdp)
	if decoded.Port != 9999 || string(decoded.Payload) != "hello" || !decoded.IP.Equal(net.ParseIP("127.0.0.1")) {
		t.Fatalf("unexpected round trip: %+v", decoded)
	}
}

func TestForwardToNextRoundTrip(t *testing.T) {
	dst := ids.ShortIDFromPublicKey([]byte("next-hop-key"))
	m := &ForwardToNext{Dst: dst, Encrypted: []byte("ciphertext")}
	decoded := roundTrip(t, m).(*ForwardToNext)
	if decoded.Dst != dst || string(decoded.Encrypted) != "ciphertext" {
		t.Fatalf("unexpected round trip: %+v", decoded)
	}
}

func TestMultipleMessagesRoundTrip(t *testing.T) {
	inner1 := &EncryptedMessage{Encrypted: []byte("a")}
	inner2 := &Ping{TunnelID: ids.ShortIDFromPublicKey([]byte("x")), Nonce: Nonce256{1, 2, 3}}
	m := &MultipleMessages{Messages: []Message{inner1, inner2}}
	decoded := roundTrip(t, m).(*MultipleMessages)
	if len(decoded.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(decoded.Messages))
	}
	if _, ok := decoded.Messages[0].(*EncryptedMessage); !ok {
		t.Fatalf("expected first message to be EncryptedMessage, got %T", decoded.Messages[0])
	}
	ping, ok := decoded.Messages[1].(*Ping)
	if !ok {
		t.Fatalf("expected second message to be Ping, got %T", decoded.Messages[1])
	}
	if ping.Nonce != inner2.Nonce {
		t.Fatalf("nonce mismatch: %v != %v", ping.Nonce, inner2.Nonce)
	}
}

func TestCreateTunnelMidpointRoundTrip(t *testing.T) {
	m := &CreateTunnelMidpoint{
		SessionPubKey: []byte("0123456789012345678901234567890"),
		ProxyAs:       ids.ShortIDFromPublicKey([]byte("proxy")),
		MessagePrefix: ids.ShortIDFromPublicKey([]byte("next")),
	}
	decoded := roundTrip(t, m).(*CreateTunnelMidpoint)
	if string(decoded.SessionPubKey) != string(m.SessionPubKey) {
		t.Fatalf("pubkey mismatch")
	}
	if decoded.ProxyAs != m.ProxyAs || decoded.MessagePrefix != m.MessagePrefix {
		t.Fatalf("id mismatch")
	}
}

func TestTunnelPacketContentsFlags(t *testing.T) {
	m := &TunnelPacketContents{
		Flags:    ContentsHasAddr | ContentsHasInner,
		FromIP:   net.ParseIP("10.0.0.5").To4(),
		FromPort: 4242,
		Inner:    []byte("payload"),
	}
	decoded := roundTrip(t, m).(*TunnelPacketContents)
	if !decoded.FromIP.Equal(net.ParseIP("10.0.0.5")) || decoded.FromPort != 4242 {
		t.Fatalf("addr mismatch: %+v", decoded)
	}
	if string(decoded.Inner) != "payload" {
		t.Fatalf("inner mismatch")
	}
}

func TestDecodeUnknownTagIsMalformed(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff, 0xff})
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestDecodeTruncatedIsMalformed(t *testing.T) {
	raw, err := Encode(&Pong{Nonce: Nonce256{9}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = Decode(raw[:len(raw)-10])
	if err == nil {
		t.Fatal("expected error for truncated message")
	}
}

func TestChannelVariantsRoundTrip(t *testing.T) {
	create := &CreateChannel{
		KeyID:         KeyID{1, 2, 3},
		ChannelSecret: make([]byte, 32),
		ProxyAs:       ids.ShortIDFromPublicKey([]byte("p")),
		MessagePrefix: ids.ShortIDFromPublicKey([]byte("m")),
	}
	decodedCreate := roundTrip(t, create).(*CreateChannel)
	if decodedCreate.KeyID != create.KeyID {
		t.Fatalf("key id mismatch")
	}

	fwd := &ForwardToNextChannel{Dst: ids.ShortIDFromPublicKey([]byte("d")), KeyID: KeyID{7}, Encrypted: []byte("ct")}
	decodedFwd := roundTrip(t, fwd).(*ForwardToNextChannel)
	if decodedFwd.KeyID != fwd.KeyID || string(decodedFwd.Encrypted) != "ct" {
		t.Fatalf("forward channel mismatch")
	}

	enc := &EncryptedMessageChannel{KeyID: KeyID{8}, Encrypted: []byte("ct2")}
	decodedEnc := roundTrip(t, enc).(*EncryptedMessageChannel)
	if decodedEnc.KeyID != enc.KeyID {
		t.Fatalf("enc channel mismatch")
	}
}
