// Package codec 实现 garlic 隧道的 tagged-union 线格式（设计文档 §4.1）
//
// 所有整数字段小端编码；可变长字段（字节串）以 uint32 长度前缀；
// 256 位字段（短 id、nonce）为定长裸字节，不带长度前缀。
package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
)

// MaxBlobLength 限制单个变长字段的大小，防止恶意长度字段导致内存耗尽
const MaxBlobLength = 4 * 1024 * 1024

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func writeByte(w io.Writer, v byte) error {
	_, err := w.Write([]byte{v})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeBlob(w io.Writer, data []byte) error {
	if err := writeUint32(w, uint32(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

func readBlob(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if n > MaxBlobLength {
		return nil, garlicerr.New(garlicerr.KindMalformed, "readBlob", fmt.Errorf("blob length %d exceeds %d", n, MaxBlobLength))
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func writeShortID(w io.Writer, id ids.ShortID) error {
	_, err := w.Write(id[:])
	return err
}

func readShortID(r io.Reader) (ids.ShortID, error) {
	var id ids.ShortID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// KeyID 是对称通道变体（设计文档 §9/§12）中索引符号密钥的 128 位标识符
type KeyID [16]byte

func writeKeyID(w io.Writer, id KeyID) error {
	_, err := w.Write(id[:])
	return err
}

func readKeyID(r io.Reader) (KeyID, error) {
	var id KeyID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, err
	}
	return id, nil
}
