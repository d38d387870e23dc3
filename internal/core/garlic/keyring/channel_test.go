package keyring

import (
	"testing"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/codec"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
)

func TestChannelSealOpenRoundTrip(t *testing.T) {
	ck := NewChannelKeyring()
	var id codec.KeyID
	secret := make([]byte, chacha20poly1305.KeySize)
	for i := range secret {
		secret[i] = byte(i)
	}
	if err := ck.AddChannel(id, secret); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}

	ciphertext, err := ck.SealFor(id, []byte("garlic payload"))
	if err != nil {
		t.Fatalf("SealFor: %v", err)
	}
	plaintext, err := ck.Open(id, ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plaintext) != "garlic payload" {
		t.Fatalf("round trip mismatch: got %q", plaintext)
	}
}

func TestChannelAddWrongLengthSecretIsMalformed(t *testing.T) {
	ck := NewChannelKeyring()
	var id codec.KeyID
	err := ck.AddChannel(id, []byte("too-short"))
	if !isChannelKind(err, garlicerr.KindMalformed) {
		t.Fatalf("expected Malformed, got %v", err)
	}
}

func TestChannelOpenUnknownIDReturnsUnknown(t *testing.T) {
	ck := NewChannelKeyring()
	var id codec.KeyID
	_, err := ck.Open(id, []byte("anything"))
	if !isChannelKind(err, garlicerr.KindUnknown) {
		t.Fatalf("expected Unknown, got %v", err)
	}
}

func TestChannelOpenAfterDelChannel(t *testing.T) {
	ck := NewChannelKeyring()
	var id codec.KeyID
	secret := make([]byte, chacha20poly1305.KeySize)
	if err := ck.AddChannel(id, secret); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	ciphertext, err := ck.SealFor(id, []byte("x"))
	if err != nil {
		t.Fatalf("SealFor: %v", err)
	}

	ck.DelChannel(id)

	if _, err := ck.Open(id, ciphertext); !isChannelKind(err, garlicerr.KindUnknown) {
		t.Fatalf("expected Unknown after DelChannel, got %v", err)
	}
}

func TestChannelOpenCorruptCiphertextIsCryptoFailure(t *testing.T) {
	ck := NewChannelKeyring()
	var id codec.KeyID
	secret := make([]byte, chacha20poly1305.KeySize)
	if err := ck.AddChannel(id, secret); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}

	ciphertext, err := ck.SealFor(id, []byte("x"))
	if err != nil {
		t.Fatalf("SealFor: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xff

	_, err = ck.Open(id, ciphertext)
	if !isChannelKind(err, garlicerr.KindCryptoFailure) {
		t.Fatalf("expected CryptoFailure, got %v", err)
	}
}

func isChannelKind(err error, kind garlicerr.Kind) bool {
	var gerr *garlicerr.Error
	return asGarlicErr(err, &gerr) && gerr.Kind == kind
}
