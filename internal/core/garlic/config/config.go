// Package config 提供 garlic 隧道模块的配置
package config

import "time"

// Config 保存 garlic 客户端与中继共用的可调参数
//
// 默认值取自设计文档 §4.5、§4.2 中给出的典型值。
//
// 目前 relay、chain、manager 并不读取 Config，而是使用各自包内的常量
// （如 relay.MaxMidpoints、manager.CausalCooldown、manager.AlarmInterval），
// 其取值可能与这里的默认值不同；cmd/garlic-relay 只用它做 Validate 并记录 ChainLength。
type Config struct {
	// ChainLength 链路跳数 N（典型 3）
	ChainLength int

	// StartDelay 目录中候选数量满足后，再等待的启动延迟
	StartDelay time.Duration

	// BuildRetries 建链 setup 包的重发次数
	BuildRetries int
	// BuildRetryInterval 建链重发间隔
	BuildRetryInterval time.Duration

	// KeepaliveInterval 链路就绪后 ping 的发送间隔基准
	KeepaliveInterval time.Duration
	// KeepaliveJitter 在 KeepaliveInterval 基础上叠加的随机抖动上限
	KeepaliveJitter time.Duration
	// KeepaliveRetries keepalive ping 未收到 pong 时的重发次数
	KeepaliveRetries int
	// KeepaliveRetryInterval keepalive 重发间隔
	KeepaliveRetryInterval time.Duration

	// MidpointTTL 中继侧 midpoint 的空闲过期时间
	MidpointTTL time.Duration
	// MidpointSweepInterval 中继清扫 midpoint 的周期
	MidpointSweepInterval time.Duration

	// DirectoryAlarmInterval manager.alarm() 的调用周期
	DirectoryAlarmInterval time.Duration
	// RelayCooldown 被判定为 causer 的中继在被重新选中前的冷却期
	RelayCooldown time.Duration

	// MidpointStoreCapacity 中继侧 midpoint LRU 存储的容量上限
	MidpointStoreCapacity int
}

// DefaultConfig 返回设计文档给出的典型参数
func DefaultConfig() *Config {
	return &Config{
		ChainLength:            3,
		StartDelay:             2 * time.Second,
		BuildRetries:           3,
		BuildRetryInterval:     3 * time.Second,
		KeepaliveInterval:      12 * time.Second,
		KeepaliveJitter:        3 * time.Second,
		KeepaliveRetries:       3,
		KeepaliveRetryInterval: 2 * time.Second,
		MidpointTTL:            300 * time.Second,
		MidpointSweepInterval:  60 * time.Second,
		DirectoryAlarmInterval: time.Second + 500*time.Millisecond,
		RelayCooldown:          60 * time.Second,
		MidpointStoreCapacity:  4096,
	}
}

// Validate 检查配置是否自洽
func (c *Config) Validate() error {
	if c.ChainLength < 1 {
		return errInvalidChainLength
	}
	return nil
}
