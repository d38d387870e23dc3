// Package garlicerr 定义 garlic 隧道模块的错误类型
package garlicerr

import (
	"errors"
	"fmt"
)

// ============================================================================
//                              错误种类
// ============================================================================

// Kind 是一个封闭的错误种类集合，对应设计中定义的错误分类
type Kind int

const (
	// KindMalformed 消息无法按预期 tag 解析
	KindMalformed Kind = iota + 1
	// KindUnknown 引用的 id 不存在
	KindUnknown
	// KindDuplicate 创建请求与已存在的 id 冲突
	KindDuplicate
	// KindCryptoFailure 加解密失败
	KindCryptoFailure
	// KindTimeout 未在预算时间内收到 pong
	KindTimeout
	// KindExhausted 目录中的中继数量不足
	KindExhausted
	// KindInvalidArgument 参数非法
	KindInvalidArgument
)

// String 返回错误种类名称
func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "Malformed"
	case KindUnknown:
		return "Unknown"
	case KindDuplicate:
		return "Duplicate"
	case KindCryptoFailure:
		return "CryptoFailure"
	case KindTimeout:
		return "Timeout"
	case KindExhausted:
		return "Exhausted"
	case KindInvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// ============================================================================
//                              哨兵错误
// ============================================================================

var (
	// ErrMalformed 消息解析失败
	ErrMalformed = errors.New("garlic: malformed message")
	// ErrUnknownID 引用的 id 不存在
	ErrUnknownID = errors.New("garlic: unknown id")
	// ErrDuplicate 创建请求与已存在 id 冲突
	ErrDuplicate = errors.New("garlic: duplicate id")
	// ErrCryptoFailure 加解密失败
	ErrCryptoFailure = errors.New("garlic: crypto failure")
	// ErrTimeout 等待超时
	ErrTimeout = errors.New("garlic: timeout")
	// ErrExhausted 中继目录候选不足
	ErrExhausted = errors.New("garlic: relay directory exhausted")
	// ErrInvalidArgument 非法参数
	ErrInvalidArgument = errors.New("garlic: invalid argument")
)

var kindSentinel = map[Kind]error{
	KindMalformed:       ErrMalformed,
	KindUnknown:         ErrUnknownID,
	KindDuplicate:       ErrDuplicate,
	KindCryptoFailure:   ErrCryptoFailure,
	KindTimeout:         ErrTimeout,
	KindExhausted:       ErrExhausted,
	KindInvalidArgument: ErrInvalidArgument,
}

// ============================================================================
//                              类型化错误
// ============================================================================

// Error 包装一次失败的操作，携带发生位置与底层错误
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New 构造一个类型化错误；Err 为空时使用该 Kind 对应的哨兵错误
func New(kind Kind, op string, err error) *Error {
	if err == nil {
		err = kindSentinel[kind]
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("garlic: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("garlic: %s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap 支持 errors.Is/errors.As 沿 Err 和哨兵错误两条链路匹配
func (e *Error) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, garlicerr.ErrTimeout) 等判断对 *Error 生效
func (e *Error) Is(target error) bool {
	if sentinel, ok := kindSentinel[e.Kind]; ok {
		return errors.Is(sentinel, target) || errors.Is(e.Err, target)
	}
	return errors.Is(e.Err, target)
}
