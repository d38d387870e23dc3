package keyring

import (
	"testing"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kr := New()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if err := kr.AddKey(kp); err != nil {
		t.Fatalf("AddKey: %v", err)
	}

	plaintext := []byte("garlic payload")
	ciphertext, err := EncryptFor(kp.Public, plaintext)
	if err != nil {
		t.Fatalf("EncryptFor: %v", err)
	}

	decrypted, err := kr.Decrypt(kp.Short, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q", decrypted)
	}
}

func TestDecryptUnknownKeyReturnsUnknown(t *testing.T) {
	kr := New()
	kp, _ := GenerateKeyPair()
	_, err := kr.Decrypt(kp.Short, []byte("anything"))
	if !isUnknown(err) {
		t.Fatalf("expected Unknown kind, got %v", err)
	}
}

func TestKeyHygieneAfterDelKey(t *testing.T) {
	kr := New()
	kp, _ := GenerateKeyPair()
	_ = kr.AddKey(kp)

	if _, ok := kr.GetPublicKey(kp.Short); !ok {
		t.Fatal("expected key to resolve before deletion")
	}

	if err := kr.DelKey(kp.Short); err != nil {
		t.Fatalf("DelKey: %v", err)
	}

	if _, ok := kr.GetPublicKey(kp.Short); ok {
		t.Fatal("expected key to no longer resolve after deletion")
	}

	ciphertext, _ := EncryptFor(kp.Public, []byte("x"))
	if _, err := kr.Decrypt(kp.Short, ciphertext); !isUnknown(err) {
		t.Fatalf("expected Unknown after deletion, got %v", err)
	}
}

func TestDecryptCorruptCiphertextIsCryptoFailure(t *testing.T) {
	kr := New()
	kp, _ := GenerateKeyPair()
	_ = kr.AddKey(kp)

	ciphertext, _ := EncryptFor(kp.Public, []byte("x"))
	ciphertext[len(ciphertext)-1] ^= 0xff

	_, err := kr.Decrypt(kp.Short, ciphertext)
	var gerr *garlicerr.Error
	if err == nil {
		t.Fatal("expected error for corrupted ciphertext")
	}
	if ok := asGarlicErr(err, &gerr); !ok || gerr.Kind != garlicerr.KindCryptoFailure {
		t.Fatalf("expected CryptoFailure, got %v", err)
	}
}

func isUnknown(err error) bool {
	var gerr *garlicerr.Error
	return asGarlicErr(err, &gerr) && gerr.Kind == garlicerr.KindUnknown
}

func asGarlicErr(err error, target **garlicerr.Error) bool {
	ge, ok := err.(*garlicerr.Error)
	if !ok {
		return false
	}
	*target = ge
	return true
}
