package keyring

import (
	"crypto/cipher"
	"crypto/rand"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/codec"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
)

// ChannelKeyring 是密钥环的对称信道对应物（设计文档 §9/§12 信道快速路径）：
// 建链完成后，某一跳的返回流量改用一个 128 位 KeyID 索引的对称 AEAD 解密，
// 不再每包都走长期非对称密钥，省去每包一次的公钥加解密开销。
type ChannelKeyring interface {
	// AddChannel 注册一个信道密钥，KeyID 与 32 字节对称密钥一一对应
	AddChannel(id codec.KeyID, secret []byte) error
	// DelChannel 删除一个信道密钥；删除后引用该 KeyID 的请求返回 Unknown
	DelChannel(id codec.KeyID)
	// SealFor 使用 id 对应的对称密钥加密明文
	SealFor(id codec.KeyID, plaintext []byte) ([]byte, error)
	// Open 使用 id 对应的对称密钥解密密文
	Open(id codec.KeyID, ciphertext []byte) ([]byte, error)
}

type inMemoryChannelKeyring struct {
	mu    sync.RWMutex
	aeads map[codec.KeyID]cipher.AEAD
}

// NewChannelKeyring 构造一个空的内存信道密钥环
func NewChannelKeyring() ChannelKeyring {
	return &inMemoryChannelKeyring{aeads: make(map[codec.KeyID]cipher.AEAD)}
}

func (k *inMemoryChannelKeyring) AddChannel(id codec.KeyID, secret []byte) error {
	if len(secret) != chacha20poly1305.KeySize {
		err := garlicerr.New(garlicerr.KindMalformed, "ChannelKeyring.AddChannel", nil)
		logger.Debug("rejecting add_channel: wrong secret length", "id", id, "len", len(secret), "err", err)
		return err
	}
	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		err = garlicerr.New(garlicerr.KindCryptoFailure, "ChannelKeyring.AddChannel", err)
		logger.Debug("rejecting add_channel: aead construction failed", "id", id, "err", err)
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.aeads[id] = aead
	return nil
}

func (k *inMemoryChannelKeyring) DelChannel(id codec.KeyID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.aeads, id)
}

func (k *inMemoryChannelKeyring) SealFor(id codec.KeyID, plaintext []byte) ([]byte, error) {
	k.mu.RLock()
	aead, ok := k.aeads[id]
	k.mu.RUnlock()
	if !ok {
		err := garlicerr.New(garlicerr.KindUnknown, "ChannelKeyring.SealFor", nil)
		logger.Debug("dropping seal_for: unknown channel", "id", id, "err", err)
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, garlicerr.New(garlicerr.KindCryptoFailure, "ChannelKeyring.SealFor", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

func (k *inMemoryChannelKeyring) Open(id codec.KeyID, ciphertext []byte) ([]byte, error) {
	k.mu.RLock()
	aead, ok := k.aeads[id]
	k.mu.RUnlock()
	if !ok {
		err := garlicerr.New(garlicerr.KindUnknown, "ChannelKeyring.Open", nil)
		logger.Debug("dropping channel open: unknown channel", "id", id, "err", err)
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		err := garlicerr.New(garlicerr.KindMalformed, "ChannelKeyring.Open", nil)
		logger.Debug("dropping channel open: ciphertext too short", "id", id, "err", err)
		return nil, err
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		err = garlicerr.New(garlicerr.KindCryptoFailure, "ChannelKeyring.Open", err)
		logger.Debug("dropping channel open: aead open failed", "id", id, "err", err)
		return nil, err
	}
	return plaintext, nil
}
