// Package ids 提供 garlic 隧道中使用的短 id（256 位哈希）与身份类型
package ids

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Size 是短 id 的字节长度（256 位）
const Size = 32

// ShortID 是公钥的 256 位哈希，用作路由标识符
type ShortID [Size]byte

// String 以十六进制打印短 id，便于日志与测试断言
func (s ShortID) String() string {
	return hex.EncodeToString(s[:])
}

// IsZero 报告短 id 是否为全零值（未初始化）
func (s ShortID) IsZero() bool {
	return s == ShortID{}
}

// ShortIDFromPublicKey 对公钥的原始字节取 blake3 哈希，截断为 256 位短 id
//
// blake3 选取理由见 DESIGN.md：教师仓库的 go.mod 携带该依赖但未实际使用，
// 此处用于短 id 派生，承担与教师的 identity.NodeIDFromPublicKey（SHA256）
// 相同的角色。
func ShortIDFromPublicKey(pub []byte) ShortID {
	sum := blake3.Sum256(pub)
	var id ShortID
	copy(id[:], sum[:])
	return id
}

// RelayIdentity 是一个中继的长期公钥及其短 id
type RelayIdentity struct {
	Short  ShortID
	PubKey []byte // 32-byte X25519 public key, raw bytes
}

// NewRelayIdentity 从 X25519 公钥字节构造 RelayIdentity
func NewRelayIdentity(pub []byte) RelayIdentity {
	return RelayIdentity{Short: ShortIDFromPublicKey(pub), PubKey: append([]byte(nil), pub...)}
}
