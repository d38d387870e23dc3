// Package keyring 实现设计文档 §6 中描述的密钥环能力
//
// 密钥环是系统中唯一的共享可变状态（设计文档 §5），以 capability-keyed map
// 的形式持有每一条链路的会话私钥与中继的长期私钥，按短 id 索引。
package keyring

import (
	"crypto/rand"
	"sync"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
	"github.com/dep2p/garlic-tunnel/pkg/lib/log"
	"golang.org/x/crypto/nacl/box"
)

var logger = log.Logger("garlic/keyring")

// KeyPair 是一个 X25519 密钥对，Short 为公钥的短 id
type KeyPair struct {
	Short   ids.ShortID
	Public  [32]byte
	private [32]byte
}

// PublicRaw 返回公钥原始字节，用于编码进线上消息
func (k KeyPair) PublicRaw() []byte {
	out := make([]byte, 32)
	copy(out, k.Public[:])
	return out
}

// GenerateKeyPair 生成一个新的 X25519 密钥对
//
// 设计文档 §6 的密钥环只管理密钥，不规定密钥族；此处选用 X25519 是因为
// 它直接承担"标准非对称加密器"的角色（设计文档 §6 Wire format 一节），
// 而教师仓库的 go.mod 已经携带 golang.org/x/crypto。
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, garlicerr.New(garlicerr.KindCryptoFailure, "GenerateKeyPair", err)
	}
	kp := KeyPair{Public: *pub, private: *priv}
	kp.Short = ids.ShortIDFromPublicKey(kp.Public[:])
	return kp, nil
}

// Keyring 是设计文档 §6 中的密钥环能力：持有私钥，仅通过短 id 解密
type Keyring interface {
	// AddKey 注册一个密钥对，使其可通过 Short id 被解密请求找到
	AddKey(kp KeyPair) error
	// DelKey 删除一个密钥对；删除后所有引用该短 id 的解密请求返回 Unknown
	DelKey(short ids.ShortID) error
	// GetPublicKey 查询一个已注册密钥对的公钥
	GetPublicKey(short ids.ShortID) ([]byte, bool)
	// Decrypt 使用 short 对应的私钥解密 ciphertext
	Decrypt(short ids.ShortID, ciphertext []byte) ([]byte, error)
}

// inMemoryKeyring is the sole shared mutable service in the component graph
// (design §5); all mutation happens through AddKey/DelKey.
type inMemoryKeyring struct {
	mu   sync.RWMutex
	keys map[ids.ShortID]KeyPair
}

// New 构造一个空的内存密钥环
func New() Keyring {
	return &inMemoryKeyring{keys: make(map[ids.ShortID]KeyPair)}
}

func (k *inMemoryKeyring) AddKey(kp KeyPair) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[kp.Short] = kp
	return nil
}

func (k *inMemoryKeyring) DelKey(short ids.ShortID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, short)
	return nil
}

func (k *inMemoryKeyring) GetPublicKey(short ids.ShortID) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	kp, ok := k.keys[short]
	if !ok {
		return nil, false
	}
	return kp.PublicRaw(), true
}

func (k *inMemoryKeyring) Decrypt(short ids.ShortID, ciphertext []byte) ([]byte, error) {
	k.mu.RLock()
	kp, ok := k.keys[short]
	k.mu.RUnlock()
	if !ok {
		err := garlicerr.New(garlicerr.KindUnknown, "Keyring.Decrypt", nil)
		logger.Debug("dropping decrypt: unknown key", "short", short, "err", err)
		return nil, err
	}
	plaintext, err := sealedBoxOpen(kp.Public, kp.private, ciphertext)
	if err != nil {
		logger.Debug("dropping decrypt: open failed", "short", short, "err", err)
	}
	return plaintext, err
}

// ============================================================================
//                              密封盒加解密
// ============================================================================

// sealedBoxOverhead 是 EncryptFor 产生的密文相对明文的固定开销：
// 32 字节临时公钥 + 24 字节 nonce + box.Overhead
const sealedBoxOverhead = 32 + 24 + box.Overhead

// EncryptFor 使用接收方公钥加密明文，产生一个匿名密封盒：
//
//	ephemeral_pub(32) || nonce(24) || box.Seal(plaintext)
//
// 发送方每次使用新生成的临时密钥对，接收方无需预先知道发送方身份即可解密，
// 这正是设计文档 §6 所说的"标准非对称加密器"：中继/客户端只需知道对方的
// 长期公钥即可加密，不需要事先交换会话。
func EncryptFor(recipientPub [32]byte, plaintext []byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindCryptoFailure, "EncryptFor", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, garlicerr.New(garlicerr.KindCryptoFailure, "EncryptFor", err)
	}
	out := make([]byte, 0, sealedBoxOverhead+len(plaintext))
	out = append(out, ephPub[:]...)
	out = append(out, nonce[:]...)
	out = box.Seal(out, plaintext, &nonce, &recipientPub, ephPriv)
	return out, nil
}

func sealedBoxOpen(_ [32]byte, recipientPriv [32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 32+24 {
		return nil, garlicerr.New(garlicerr.KindMalformed, "sealedBoxOpen", nil)
	}
	var ephPub [32]byte
	copy(ephPub[:], ciphertext[:32])
	var nonce [24]byte
	copy(nonce[:], ciphertext[32:56])
	plaintext, ok := box.Open(nil, ciphertext[56:], &nonce, &ephPub, &recipientPriv)
	if !ok {
		return nil, garlicerr.New(garlicerr.KindCryptoFailure, "sealedBoxOpen", nil)
	}
	return plaintext, nil
}

