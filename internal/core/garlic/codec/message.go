package codec

import (
	"bytes"
	"fmt"
	"io"
	"net"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/ids"
)

// Tag is the stable 32-bit marker at the start of every wire message
type Tag uint32

// the tag set from design §4.1, plus the symmetric-channel variants from §12
const (
	TagForwardToUdp Tag = iota + 1
	TagForwardToNext
	TagEncryptedMessage
	TagMultipleMessages
	TagCreateTunnelMidpoint
	TagTunnelPacketPrefix
	TagTunnelPacketContents
	TagPing
	TagPong
	TagTunnelCustomMessage
	TagCreateChannel
	TagForwardToNextChannel
	TagEncryptedMessageChannel
)

// Message is the closed tagged union every wire message implements (design §9)
type Message interface {
	Tag() Tag
	encodeBody(w io.Writer) error
}

// Encode serializes a message as tag + body
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, uint32(m.Tag())); err != nil {
		return nil, err
	}
	if err := m.encodeBody(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a Message from bytes; an unknown tag is fatal for this
// message only — the caller should drop it without tearing down the session
func Decode(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	tagV, err := readUint32(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "codec.Decode", err)
	}
	switch Tag(tagV) {
	case TagForwardToUdp:
		return decodeForwardToUdp(r)
	case TagForwardToNext:
		return decodeForwardToNext(r)
	case TagEncryptedMessage:
		return decodeEncryptedMessage(r)
	case TagMultipleMessages:
		return decodeMultipleMessages(r)
	case TagCreateTunnelMidpoint:
		return decodeCreateTunnelMidpoint(r)
	case TagTunnelPacketPrefix:
		return decodeTunnelPacketPrefix(r)
	case TagTunnelPacketContents:
		return decodeTunnelPacketContents(r)
	case TagPing:
		return decodePing(r)
	case TagPong:
		return decodePong(r)
	case TagTunnelCustomMessage:
		return decodeTunnelCustomMessage(r)
	case TagCreateChannel:
		return decodeCreateChannel(r)
	case TagForwardToNextChannel:
		return decodeForwardToNextChannel(r)
	case TagEncryptedMessageChannel:
		return decodeEncryptedMessageChannel(r)
	default:
		return nil, garlicerr.New(garlicerr.KindMalformed, "codec.Decode", fmt.Errorf("unknown tag %d", tagV))
	}
}

// ============================================================================
//                              ForwardToUdp
// ============================================================================

// AddrFlags 标记 ForwardToUdp/TunnelPacketContents 中携带的地址族
type AddrFlags uint8

const (
	// FlagIPv4 载荷地址为 IPv4
	FlagIPv4 AddrFlags = 1 << 0
	// FlagIPv6 载荷地址为 IPv6
	FlagIPv6 AddrFlags = 1 << 1
)

// ForwardToUdp 指示中继将 Payload 作为原始 UDP 数据报发出
type ForwardToUdp struct {
	Flags   AddrFlags
	IP      net.IP // len 4 或 16，按 Flags 决定
	Port    uint16
	Payload []byte
}

// Tag 实现 Message
func (m *ForwardToUdp) Tag() Tag { return TagForwardToUdp }

func (m *ForwardToUdp) encodeBody(w io.Writer) error {
	if err := writeByte(w, byte(m.Flags)); err != nil {
		return err
	}
	ipLen := 4
	if m.Flags&FlagIPv6 != 0 {
		ipLen = 16
	}
	ipBytes := make([]byte, ipLen)
	if m.Flags&FlagIPv6 != 0 {
		copy(ipBytes, m.IP.To16())
	} else {
		copy(ipBytes, m.IP.To4())
	}
	if _, err := w.Write(ipBytes); err != nil {
		return err
	}
	if err := writeUint16(w, m.Port); err != nil {
		return err
	}
	return writeBlob(w, m.Payload)
}

func decodeForwardToUdp(r io.Reader) (*ForwardToUdp, error) {
	flagByte, err := readByte(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "ForwardToUdp", err)
	}
	flags := AddrFlags(flagByte)
	ipLen := 4
	if flags&FlagIPv6 != 0 {
		ipLen = 16
	}
	ipBytes := make([]byte, ipLen)
	if _, err := io.ReadFull(r, ipBytes); err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "ForwardToUdp", err)
	}
	port, err := readUint16(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "ForwardToUdp", err)
	}
	payload, err := readBlob(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "ForwardToUdp", err)
	}
	return &ForwardToUdp{Flags: flags, IP: net.IP(ipBytes), Port: port, Payload: payload}, nil
}

// ============================================================================
//                              ForwardToNext
// ============================================================================

// ForwardToNext asks a relay to deliver an opaque ciphertext to a peer by short id
type ForwardToNext struct {
	Dst       ids.ShortID
	Encrypted []byte
}

func (m *ForwardToNext) Tag() Tag { return TagForwardToNext }

func (m *ForwardToNext) encodeBody(w io.Writer) error {
	if err := writeShortID(w, m.Dst); err != nil {
		return err
	}
	return writeBlob(w, m.Encrypted)
}

func decodeForwardToNext(r io.Reader) (*ForwardToNext, error) {
	dst, err := readShortID(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "ForwardToNext", err)
	}
	enc, err := readBlob(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "ForwardToNext", err)
	}
	return &ForwardToNext{Dst: dst, Encrypted: enc}, nil
}

// ============================================================================
//                              EncryptedMessage
// ============================================================================

// EncryptedMessage is a blob to be decrypted by the keyring before further dispatch
type EncryptedMessage struct {
	Encrypted []byte
}

func (m *EncryptedMessage) Tag() Tag { return TagEncryptedMessage }

func (m *EncryptedMessage) encodeBody(w io.Writer) error {
	return writeBlob(w, m.Encrypted)
}

func decodeEncryptedMessage(r io.Reader) (*EncryptedMessage, error) {
	enc, err := readBlob(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "EncryptedMessage", err)
	}
	return &EncryptedMessage{Encrypted: enc}, nil
}

// ============================================================================
//                              MultipleMessages
// ============================================================================

// MultipleMessages carries a sequence of cloves, each processed independently
type MultipleMessages struct {
	Messages []Message
}

func (m *MultipleMessages) Tag() Tag { return TagMultipleMessages }

func (m *MultipleMessages) encodeBody(w io.Writer) error {
	if err := writeUint32(w, uint32(len(m.Messages))); err != nil {
		return err
	}
	for _, inner := range m.Messages {
		encoded, err := Encode(inner)
		if err != nil {
			return err
		}
		if err := writeBlob(w, encoded); err != nil {
			return err
		}
	}
	return nil
}

func decodeMultipleMessages(r io.Reader) (*MultipleMessages, error) {
	count, err := readUint32(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "MultipleMessages", err)
	}
	if count > MaxBlobLength {
		return nil, garlicerr.New(garlicerr.KindMalformed, "MultipleMessages", fmt.Errorf("message count %d too large", count))
	}
	msgs := make([]Message, 0, count)
	for i := uint32(0); i < count; i++ {
		raw, err := readBlob(r)
		if err != nil {
			return nil, garlicerr.New(garlicerr.KindMalformed, "MultipleMessages", err)
		}
		inner, err := Decode(raw)
		if err != nil {
			// design §4.2: one corrupt clove doesn't poison the rest; each
			// clove is length-prefixed independently, so a clove that fails
			// to decode is skipped and decoding resumes at the next blob.
			continue
		}
		msgs = append(msgs, inner)
	}
	return &MultipleMessages{Messages: msgs}, nil
}

// ============================================================================
//                              CreateTunnelMidpoint
// ============================================================================

// CreateTunnelMidpoint asks a relay to host per-hop midpoint state
type CreateTunnelMidpoint struct {
	SessionPubKey []byte // 32 bytes, this hop's encryption public key
	ProxyAs       ids.ShortID
	MessagePrefix ids.ShortID
}

func (m *CreateTunnelMidpoint) Tag() Tag { return TagCreateTunnelMidpoint }

func (m *CreateTunnelMidpoint) encodeBody(w io.Writer) error {
	if err := writeBlob(w, m.SessionPubKey); err != nil {
		return err
	}
	if err := writeShortID(w, m.ProxyAs); err != nil {
		return err
	}
	return writeShortID(w, m.MessagePrefix)
}

func decodeCreateTunnelMidpoint(r io.Reader) (*CreateTunnelMidpoint, error) {
	pub, err := readBlob(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "CreateTunnelMidpoint", err)
	}
	proxyAs, err := readShortID(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "CreateTunnelMidpoint", err)
	}
	prefix, err := readShortID(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "CreateTunnelMidpoint", err)
	}
	return &CreateTunnelMidpoint{SessionPubKey: pub, ProxyAs: proxyAs, MessagePrefix: prefix}, nil
}

// ============================================================================
//                              TunnelPacketPrefix
// ============================================================================

// TunnelPacketPrefix routes Body to the midpoint keyed by ID and refreshes its TTL
type TunnelPacketPrefix struct {
	ID   ids.ShortID
	Body []byte
}

func (m *TunnelPacketPrefix) Tag() Tag { return TagTunnelPacketPrefix }

func (m *TunnelPacketPrefix) encodeBody(w io.Writer) error {
	if err := writeShortID(w, m.ID); err != nil {
		return err
	}
	return writeBlob(w, m.Body)
}

func decodeTunnelPacketPrefix(r io.Reader) (*TunnelPacketPrefix, error) {
	id, err := readShortID(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "TunnelPacketPrefix", err)
	}
	body, err := readBlob(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "TunnelPacketPrefix", err)
	}
	return &TunnelPacketPrefix{ID: id, Body: body}, nil
}

// ============================================================================
//                              TunnelPacketContents
// ============================================================================

// ContentsFlags controls which optional fields TunnelPacketContents carries
type ContentsFlags uint8

const (
	// ContentsHasAddr bit 0: FromIP/FromPort are present
	ContentsHasAddr ContentsFlags = 1 << 0
	// ContentsHasInner bit 1: Inner carries a further message to continue with
	ContentsHasInner ContentsFlags = 1 << 1
)

// TunnelPacketContents wraps a hop's view of the datagram being carried back to the client
type TunnelPacketContents struct {
	Flags    ContentsFlags
	FromIP   net.IP
	FromPort uint16
	Inner    []byte
}

func (m *TunnelPacketContents) Tag() Tag { return TagTunnelPacketContents }

func (m *TunnelPacketContents) encodeBody(w io.Writer) error {
	if err := writeByte(w, byte(m.Flags)); err != nil {
		return err
	}
	if m.Flags&ContentsHasAddr != 0 {
		ip4 := m.FromIP.To4()
		if ip4 == nil {
			ip4 = make([]byte, 4)
		}
		if _, err := w.Write(ip4); err != nil {
			return err
		}
		if err := writeUint16(w, m.FromPort); err != nil {
			return err
		}
	}
	if m.Flags&ContentsHasInner != 0 {
		return writeBlob(w, m.Inner)
	}
	return nil
}

func decodeTunnelPacketContents(r io.Reader) (*TunnelPacketContents, error) {
	flagByte, err := readByte(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "TunnelPacketContents", err)
	}
	flags := ContentsFlags(flagByte)
	out := &TunnelPacketContents{Flags: flags}
	if flags&ContentsHasAddr != 0 {
		ipBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, ipBytes); err != nil {
			return nil, garlicerr.New(garlicerr.KindMalformed, "TunnelPacketContents", err)
		}
		out.FromIP = net.IP(ipBytes)
		port, err := readUint16(r)
		if err != nil {
			return nil, garlicerr.New(garlicerr.KindMalformed, "TunnelPacketContents", err)
		}
		out.FromPort = port
	}
	if flags&ContentsHasInner != 0 {
		inner, err := readBlob(r)
		if err != nil {
			return nil, garlicerr.New(garlicerr.KindMalformed, "TunnelPacketContents", err)
		}
		out.Inner = inner
	}
	return out, nil
}

// ============================================================================
//                              Ping / Pong
// ============================================================================

// Nonce256 is a 256-bit liveness-probe nonce
type Nonce256 [32]byte

// Ping piggy-backs a liveness probe onto a tunnel-id-addressed midpoint
type Ping struct {
	TunnelID ids.ShortID
	Nonce    Nonce256
}

func (m *Ping) Tag() Tag { return TagPing }

func (m *Ping) encodeBody(w io.Writer) error {
	if err := writeShortID(w, m.TunnelID); err != nil {
		return err
	}
	_, err := w.Write(m.Nonce[:])
	return err
}

func decodePing(r io.Reader) (*Ping, error) {
	tunnelID, err := readShortID(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "Ping", err)
	}
	var nonce Nonce256
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "Ping", err)
	}
	return &Ping{TunnelID: tunnelID, Nonce: nonce}, nil
}

// Pong answers a Ping over the return path
type Pong struct {
	Nonce Nonce256
}

func (m *Pong) Tag() Tag { return TagPong }

func (m *Pong) encodeBody(w io.Writer) error {
	_, err := w.Write(m.Nonce[:])
	return err
}

func decodePong(r io.Reader) (*Pong, error) {
	var nonce Nonce256
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "Pong", err)
	}
	return &Pong{Nonce: nonce}, nil
}

// ============================================================================
//                              TunnelCustomMessage
// ============================================================================

// TunnelCustomMessage carries an arbitrary control payload (e.g. a serialized
// Pong) back through a midpoint's return path (design §4.3/§4.4)
type TunnelCustomMessage struct {
	Payload []byte
}

func (m *TunnelCustomMessage) Tag() Tag { return TagTunnelCustomMessage }

func (m *TunnelCustomMessage) encodeBody(w io.Writer) error {
	return writeBlob(w, m.Payload)
}

func decodeTunnelCustomMessage(r io.Reader) (*TunnelCustomMessage, error) {
	payload, err := readBlob(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "TunnelCustomMessage", err)
	}
	return &TunnelCustomMessage{Payload: payload}, nil
}

// ============================================================================
//                              Channel variants (§9/§12 extension)
// ============================================================================

// CreateChannel is the symmetric-channel analogue of CreateTunnelMidpoint: after
// setup, return traffic for this hop is decrypted with a symmetric AEAD keyed by
// KeyID instead of the relay's long-term asymmetric key.
type CreateChannel struct {
	KeyID         KeyID
	ChannelSecret []byte // 32-byte symmetric key, sent once under the build's outer encryption
	ProxyAs       ids.ShortID
	MessagePrefix ids.ShortID
}

func (m *CreateChannel) Tag() Tag { return TagCreateChannel }

func (m *CreateChannel) encodeBody(w io.Writer) error {
	if err := writeKeyID(w, m.KeyID); err != nil {
		return err
	}
	if err := writeBlob(w, m.ChannelSecret); err != nil {
		return err
	}
	if err := writeShortID(w, m.ProxyAs); err != nil {
		return err
	}
	return writeShortID(w, m.MessagePrefix)
}

func decodeCreateChannel(r io.Reader) (*CreateChannel, error) {
	keyID, err := readKeyID(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "CreateChannel", err)
	}
	secret, err := readBlob(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "CreateChannel", err)
	}
	proxyAs, err := readShortID(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "CreateChannel", err)
	}
	prefix, err := readShortID(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "CreateChannel", err)
	}
	return &CreateChannel{KeyID: keyID, ChannelSecret: secret, ProxyAs: proxyAs, MessagePrefix: prefix}, nil
}

// ForwardToNextChannel is ForwardToNext's symmetric-channel analogue
type ForwardToNextChannel struct {
	Dst       ids.ShortID
	KeyID     KeyID
	Encrypted []byte
}

func (m *ForwardToNextChannel) Tag() Tag { return TagForwardToNextChannel }

func (m *ForwardToNextChannel) encodeBody(w io.Writer) error {
	if err := writeShortID(w, m.Dst); err != nil {
		return err
	}
	if err := writeKeyID(w, m.KeyID); err != nil {
		return err
	}
	return writeBlob(w, m.Encrypted)
}

func decodeForwardToNextChannel(r io.Reader) (*ForwardToNextChannel, error) {
	dst, err := readShortID(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "ForwardToNextChannel", err)
	}
	keyID, err := readKeyID(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "ForwardToNextChannel", err)
	}
	enc, err := readBlob(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "ForwardToNextChannel", err)
	}
	return &ForwardToNextChannel{Dst: dst, KeyID: keyID, Encrypted: enc}, nil
}

// EncryptedMessageChannel is EncryptedMessage's symmetric-channel analogue
type EncryptedMessageChannel struct {
	KeyID     KeyID
	Encrypted []byte
}

func (m *EncryptedMessageChannel) Tag() Tag { return TagEncryptedMessageChannel }

func (m *EncryptedMessageChannel) encodeBody(w io.Writer) error {
	if err := writeKeyID(w, m.KeyID); err != nil {
		return err
	}
	return writeBlob(w, m.Encrypted)
}

func decodeEncryptedMessageChannel(r io.Reader) (*EncryptedMessageChannel, error) {
	keyID, err := readKeyID(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "EncryptedMessageChannel", err)
	}
	enc, err := readBlob(r)
	if err != nil {
		return nil, garlicerr.New(garlicerr.KindMalformed, "EncryptedMessageChannel", err)
	}
	return &EncryptedMessageChannel{KeyID: keyID, Encrypted: enc}, nil
}
