// This file maps reassembled bodies to decoded messages and builds outbound
// command and protocol control bodies.

package rtmp

import (
	"encoding/binary"

	"rtmpd/internal/core/buffer"
	"rtmpd/internal/core/protocol/amf0"

	"github.com/pkg/errors"
)

// ErrNotCommand is returned when DecodeMessage is given a non-AMF message type.
var ErrNotCommand = errors.New("message type does not carry AMF0 values")

// ErrShortControl is returned for truncated protocol control bodies.
var ErrShortControl = errors.New("control message body too short")

// Method names recognized by the dispatcher.
const (
	MethodConnect      = "connect"
	MethodCreateStream = "createStream"
	MethodPlay         = "play"
	MethodSeek         = "seek"
	MethodPause        = "pause"
	MethodPublish      = "publish"
	MethodClose        = "close"
	MethodDeleteStream = "deleteStream"

	MethodResult   = "_result"
	MethodError    = "_error"
	MethodOnStatus = "onStatus"
)

// Message is a decoded Invoke, Notify or SharedObject body.
type Message struct {
	Channel  uint8
	Type     MessageType
	StreamID uint32 // from the chunk header
	Method   string
	// TransactionID is the number following the method name of an Invoke.
	TransactionID float64
	// Status is taken from the first argument object carrying a known code.
	Status    Status
	Arguments []amf0.Value
}

// IsCommand reports whether t carries AMF0 method bodies.
func IsCommand(t MessageType) bool {
	return t == TypeInvoke || t == TypeNotify || t == TypeSharedObject
}

// DecodeMessage decodes the AMF0 body of a command message.
// Invoke bodies carry a transaction number after the method name; Notify and
// SharedObject bodies go straight to the arguments.
func DecodeMessage(hdr Header, body []byte, dec amf0.Decoder) (*Message, error) {
	if !IsCommand(hdr.Type) {
		return nil, errors.Wrapf(ErrNotCommand, "%s", hdr.Type)
	}
	values, err := dec.DecodeAll(buffer.From(body))
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errors.Wrap(amf0.ErrMalformed, "empty command body")
	}
	method, ok := values[0].(amf0.String)
	if !ok {
		return nil, errors.Wrapf(amf0.ErrMalformed, "method name is %T", values[0])
	}

	msg := &Message{
		Channel:  hdr.Channel,
		Type:     hdr.Type,
		StreamID: hdr.StreamID,
		Method:   string(method),
	}
	args := values[1:]
	if hdr.Type == TypeInvoke && len(args) > 0 {
		if n, ok := args[0].(amf0.Number); ok {
			msg.TransactionID = float64(n)
			args = args[1:]
		}
	}
	msg.Arguments = args

	for _, v := range args {
		obj, ok := v.(*amf0.Object)
		if !ok || obj == nil {
			continue
		}
		if code, ok := obj.GetString("code"); ok {
			if st := StatusFromCode(code); st != StatusNone {
				msg.Status = st
				break
			}
		}
	}
	return msg, nil
}

// Arg returns argument i, or nil when absent.
func (m *Message) Arg(i int) amf0.Value {
	if i < 0 || i >= len(m.Arguments) {
		return nil
	}
	return m.Arguments[i]
}

// StringArg returns argument i if it is a string.
func (m *Message) StringArg(i int) (string, bool) {
	s, ok := m.Arg(i).(amf0.String)
	return string(s), ok
}

// NumberArg returns argument i if it is a number.
func (m *Message) NumberArg(i int) (float64, bool) {
	n, ok := m.Arg(i).(amf0.Number)
	return float64(n), ok
}

// BoolArg returns argument i if it is a boolean.
func (m *Message) BoolArg(i int) (bool, bool) {
	b, ok := m.Arg(i).(amf0.Boolean)
	return bool(b), ok
}

// ObjectArg returns argument i if it is an object.
func (m *Message) ObjectArg(i int) (*amf0.Object, bool) {
	o, ok := m.Arg(i).(*amf0.Object)
	return o, ok && o != nil
}

// EncodeInvoke builds an Invoke body: method, transaction number, arguments.
func EncodeInvoke(method string, transactionID float64, args ...amf0.Value) ([]byte, error) {
	values := make([]amf0.Value, 0, len(args)+2)
	values = append(values, amf0.String(method), amf0.Number(transactionID))
	values = append(values, args...)
	return amf0.Marshal(values...)
}

// EncodeNotify builds a Notify body: method followed by arguments.
func EncodeNotify(method string, args ...amf0.Value) ([]byte, error) {
	values := make([]amf0.Value, 0, len(args)+1)
	values = append(values, amf0.String(method))
	values = append(values, args...)
	return amf0.Marshal(values...)
}

// ParseSetChunkSize parses a Set Chunk Size message.
func ParseSetChunkSize(body []byte) (uint32, error) {
	n, err := parseUint32(body)
	if err != nil {
		return 0, err
	}
	// The top bit is reserved
	n &= 0x7FFFFFFF
	if n == 0 || n > MaxChunkSize {
		return 0, errors.Wrapf(ErrChunkTooLarge, "chunk size %d", n)
	}
	return n, nil
}

// ParseUint32Control parses BytesRead and window acknowledgement size bodies.
func ParseUint32Control(body []byte) (uint32, error) {
	return parseUint32(body)
}

func parseUint32(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, errors.Wrapf(ErrShortControl, "%d bytes", len(body))
	}
	return binary.BigEndian.Uint32(body[0:4]), nil
}

// CreateSetChunkSize creates a Set Chunk Size message body.
func CreateSetChunkSize(size uint32) []byte {
	return createUint32(size)
}

// CreateWindowAckSize creates a Window Acknowledgement Size message body.
func CreateWindowAckSize(size uint32) []byte {
	return createUint32(size)
}

// CreateBytesRead creates an acknowledgement body for sequence bytes received.
func CreateBytesRead(sequence uint32) []byte {
	return createUint32(sequence)
}

// CreateSetPeerBandwidth creates a Set Peer Bandwidth message body.
func CreateSetPeerBandwidth(size uint32, limitType byte) []byte {
	body := make([]byte, 5)
	binary.BigEndian.PutUint32(body[0:4], size)
	body[4] = limitType
	return body
}

func createUint32(v uint32) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, v)
	return body
}
