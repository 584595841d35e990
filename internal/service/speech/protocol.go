package speech

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 火山引擎语音二进制帧：4 字节头，随后是可选序号、可选事件元数据、payload 长度与 payload。
const protocolVersion = 0b0001

// MessageType 帧类型，占头部第二字节高 4 位。
type MessageType uint8

const (
	FullClientRequest       MessageType = 0b0001
	AudioOnlyRequest        MessageType = 0b0010
	FullServerResponse      MessageType = 0b1001
	AudioOnlyServerResponse MessageType = 0b1011
	ErrorMessage            MessageType = 0b1111
)

// MessageFlags 帧标志，占头部第二字节低 4 位。
type MessageFlags uint8

const (
	NoSequenceNumber       MessageFlags = 0b0000
	PositiveSequenceNumber MessageFlags = 0b0001
	LastPacketNoSequence   MessageFlags = 0b0010
	NegativeSequenceNumber MessageFlags = 0b0011
	WithEvent              MessageFlags = 0b0100

	sequenceMask MessageFlags = 0b0011
)

// EventType 服务端事件编号。
type EventType int32

const (
	EventTypeNone               EventType = 0
	EventTypeStartConnection    EventType = 1
	EventTypeFinishConnection   EventType = 2
	EventTypeConnectionStarted  EventType = 50
	EventTypeConnectionFailed   EventType = 51
	EventTypeConnectionFinished EventType = 52
	EventTypeSessionStarted     EventType = 150
	EventTypeSessionFinished    EventType = 152
	EventTypeSessionFailed      EventType = 153
)

// SerializationMethod payload 的序列化方式。
type SerializationMethod uint8

const (
	NoSerialization   SerializationMethod = 0b0000
	JSONSerialization SerializationMethod = 0b0001
)

// CompressionMethod payload 的压缩方式。
type CompressionMethod uint8

const (
	NoCompression   CompressionMethod = 0b0000
	GzipCompression CompressionMethod = 0b0001
)

var errShortFrame = errors.New("speech frame truncated")

// Message 是一帧解码后的内容。
type Message struct {
	Type          MessageType
	Flags         MessageFlags
	Serialization SerializationMethod
	Compression   CompressionMethod
	Sequence      int32
	Event         EventType
	SessionID     string
	ConnectID     string
	ErrorCode     uint32
	Payload       []byte
}

// EncodeMessage serializes msg into one binary websocket frame.
func EncodeMessage(msg *Message) []byte {
	buf := make([]byte, 0, 16+len(msg.Payload))
	buf = append(buf,
		protocolVersion<<4|1,
		byte(msg.Type)<<4|byte(msg.Flags),
		byte(msg.Serialization)<<4|byte(msg.Compression),
		0,
	)

	if msg.hasSequence() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(msg.Sequence))
	}
	if msg.Flags&WithEvent != 0 {
		buf = binary.BigEndian.AppendUint32(buf, uint32(msg.Event))
		if !eventSkipsSessionID(msg.Event) {
			buf = appendString(buf, msg.SessionID)
		}
		if eventHasConnectID(msg.Event) {
			buf = appendString(buf, msg.ConnectID)
		}
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	return append(buf, msg.Payload...)
}

// DecodeMessage parses one binary websocket frame.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: header has %d bytes", errShortFrame, len(data))
	}
	if version := data[0] >> 4; version != protocolVersion {
		return nil, fmt.Errorf("unsupported speech protocol version %d", version)
	}

	msg := &Message{
		Type:          MessageType(data[1] >> 4),
		Flags:         MessageFlags(data[1] & 0x0F),
		Serialization: SerializationMethod(data[2] >> 4),
		Compression:   CompressionMethod(data[2] & 0x0F),
	}

	r := frameReader{data: data, off: int(data[0]&0x0F) * 4}
	if msg.hasSequence() {
		msg.Sequence = int32(r.uint32())
	}
	if msg.Flags&WithEvent != 0 {
		msg.Event = EventType(int32(r.uint32()))
		if !eventSkipsSessionID(msg.Event) {
			msg.SessionID = r.string()
		}
		if eventHasConnectID(msg.Event) {
			msg.ConnectID = r.string()
		}
	}
	if msg.Type == ErrorMessage {
		msg.ErrorCode = r.uint32()
	}
	size := r.uint32()
	msg.Payload = r.bytes(int(size))

	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// Body returns the decompressed payload.
func (m *Message) Body() ([]byte, error) {
	return decompress(m.Payload, m.Compression)
}

// Final reports whether the frame closes the server stream.
func (m *Message) Final() bool {
	switch m.Flags & sequenceMask {
	case LastPacketNoSequence, NegativeSequenceNumber:
		return true
	}
	return m.Flags&WithEvent != 0 && m.Event == EventTypeSessionFinished
}

func (m *Message) hasSequence() bool {
	switch m.Flags & sequenceMask {
	case PositiveSequenceNumber, NegativeSequenceNumber:
		return true
	}
	return false
}

// newFullClientRequest 构造携带 JSON 参数的首帧。
func newFullClientRequest(payload []byte, compression CompressionMethod) *Message {
	return &Message{
		Type:          FullClientRequest,
		Flags:         NoSequenceNumber,
		Serialization: JSONSerialization,
		Compression:   compression,
		Payload:       payload,
	}
}

// newAudioRequest 构造音频帧；最后一帧的序号取负。
func newAudioRequest(audio []byte, sequence int32, last bool, compression CompressionMethod) *Message {
	msg := &Message{
		Type:          AudioOnlyRequest,
		Serialization: NoSerialization,
		Compression:   compression,
		Sequence:      sequence,
		Payload:       audio,
	}
	switch {
	case last && sequence != 0:
		msg.Flags = NegativeSequenceNumber
		msg.Sequence = -sequence
	case last:
		msg.Flags = LastPacketNoSequence
	case sequence > 0:
		msg.Flags = PositiveSequenceNumber
	default:
		msg.Flags = NoSequenceNumber
	}
	return msg
}

func eventSkipsSessionID(event EventType) bool {
	switch event {
	case EventTypeStartConnection, EventTypeFinishConnection,
		EventTypeConnectionStarted, EventTypeConnectionFailed,
		EventTypeConnectionFinished:
		return true
	}
	return false
}

func eventHasConnectID(event EventType) bool {
	switch event {
	case EventTypeConnectionStarted, EventTypeConnectionFailed, EventTypeConnectionFinished:
		return true
	}
	return false
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

type frameReader struct {
	data []byte
	off  int
	err  error
}

func (r *frameReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", errShortFrame, n, r.off, len(r.data))
		return nil
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out
}

func (r *frameReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *frameReader) string() string {
	return string(r.bytes(int(r.uint32())))
}

func (r *frameReader) bytes(n int) []byte {
	if n == 0 {
		return nil
	}
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
