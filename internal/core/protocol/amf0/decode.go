// This file implements AMF0 decoding for RTMP command and data messages.
// Decoding is marker-driven and bounded by depth, size and property limits.

package amf0

import (
	"unicode/utf8"

	"rtmpd/internal/core/buffer"

	"github.com/pkg/errors"
)

// ErrMalformed is returned for unknown markers, truncated fields and runaway objects.
// The whole decode fails; partial values are never returned.
var ErrMalformed = errors.New("malformed AMF0 data")

// Decode limits applied by DefaultDecoder.
const (
	DefaultMaxDepth      = 32
	DefaultMaxProperties = 4096
	DefaultMaxBytes      = 16 * 1024 * 1024
)

// Decoder holds the sanity bounds for decoding untrusted input.
// A zero field disables that bound.
type Decoder struct {
	MaxDepth      int // maximum object/array nesting
	MaxProperties int // maximum pairs or elements per container
	MaxBytes      int // maximum bytes consumed by one top-level value
}

// DefaultDecoder is used by the package-level Decode helpers.
var DefaultDecoder = Decoder{
	MaxDepth:      DefaultMaxDepth,
	MaxProperties: DefaultMaxProperties,
	MaxBytes:      DefaultMaxBytes,
}

// Decode reads one AMF0 value at the buffer cursor using DefaultDecoder.
func Decode(buf *buffer.Buffer) (Value, error) {
	return DefaultDecoder.Decode(buf)
}

// DecodeAll reads values until the buffer is exhausted using DefaultDecoder.
func DecodeAll(buf *buffer.Buffer) ([]Value, error) {
	return DefaultDecoder.DecodeAll(buf)
}

// Unmarshal decodes every value in b.
func Unmarshal(b []byte) ([]Value, error) {
	return DefaultDecoder.DecodeAll(buffer.From(b))
}

// Decode reads one value. On error the cursor is restored to where it started.
func (d Decoder) Decode(buf *buffer.Buffer) (Value, error) {
	st := decodeState{d: d, buf: buf, start: buf.Position()}
	v, err := st.value(0)
	if err != nil {
		_ = buf.Seek(st.start)
		return nil, err
	}
	return v, nil
}

// DecodeAll reads values until the buffer is exhausted.
func (d Decoder) DecodeAll(buf *buffer.Buffer) ([]Value, error) {
	values := make([]Value, 0, 4)
	for buf.Remaining() > 0 {
		v, err := d.Decode(buf)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

type decodeState struct {
	d     Decoder
	buf   *buffer.Buffer
	start int
}

// malformed wraps err (usually a buffer bounds error) into ErrMalformed.
func malformed(err error, format string, args ...interface{}) error {
	if err != nil {
		return errors.Wrapf(ErrMalformed, format+": %v", append(args, err)...)
	}
	return errors.Wrapf(ErrMalformed, format, args...)
}

func (s *decodeState) checkBudget() error {
	if s.d.MaxBytes > 0 && s.buf.Position()-s.start > s.d.MaxBytes {
		return malformed(nil, "value exceeds %d bytes", s.d.MaxBytes)
	}
	return nil
}

func (s *decodeState) value(depth int) (Value, error) {
	if err := s.checkBudget(); err != nil {
		return nil, err
	}
	typeMarker, err := s.buf.ReadByte()
	if err != nil {
		return nil, malformed(err, "type marker")
	}

	switch typeMarker {
	case TypeNumber:
		n, err := s.buf.ReadFloat64()
		if err != nil {
			return nil, malformed(err, "number")
		}
		return Number(n), nil
	case TypeBoolean:
		b, err := s.buf.ReadByte()
		if err != nil {
			return nil, malformed(err, "boolean")
		}
		return Boolean(b != 0), nil
	case TypeString:
		str, err := s.shortString()
		if err != nil {
			return nil, err
		}
		return String(str), nil
	case TypeLongString:
		str, err := s.longString()
		if err != nil {
			return nil, err
		}
		return String(str), nil
	case TypeNull:
		return Null{}, nil
	case TypeUndefined:
		return Undefined{}, nil
	case TypeObject:
		props, err := s.properties(depth + 1)
		if err != nil {
			return nil, err
		}
		return &Object{Properties: props}, nil
	case TypeTypedObject:
		class, err := s.shortString()
		if err != nil {
			return nil, err
		}
		if class == "" {
			return nil, malformed(nil, "typed object without class name")
		}
		props, err := s.properties(depth + 1)
		if err != nil {
			return nil, err
		}
		return &Object{Class: class, Properties: props}, nil
	case TypeECMAArray:
		count, err := s.buf.ReadUint32()
		if err != nil {
			return nil, malformed(err, "ECMA array count")
		}
		// The count is advisory; the terminator decides where the array ends.
		if s.d.MaxProperties > 0 && int64(count) > int64(s.d.MaxProperties) {
			return nil, malformed(nil, "ECMA array count %d exceeds %d", count, s.d.MaxProperties)
		}
		props, err := s.properties(depth + 1)
		if err != nil {
			return nil, err
		}
		return ECMAArray{Properties: props}, nil
	case TypeStrictArray:
		return s.strictArray(depth + 1)
	default:
		return nil, malformed(nil, "unsupported type marker 0x%02x", typeMarker)
	}
}

func (s *decodeState) shortString() (string, error) {
	length, err := s.buf.ReadUint16()
	if err != nil {
		return "", malformed(err, "string length")
	}
	p, err := s.buf.Next(int(length))
	if err != nil {
		return "", malformed(err, "string body")
	}
	if !utf8.Valid(p) {
		return "", malformed(nil, "string is not UTF-8")
	}
	return string(p), nil
}

func (s *decodeState) longString() (string, error) {
	length, err := s.buf.ReadUint32()
	if err != nil {
		return "", malformed(err, "long string length")
	}
	if int64(length) > int64(s.buf.Remaining()) {
		return "", malformed(nil, "long string length %d exceeds remaining %d", length, s.buf.Remaining())
	}
	p, err := s.buf.Next(int(length))
	if err != nil {
		return "", malformed(err, "long string body")
	}
	if !utf8.Valid(p) {
		return "", malformed(nil, "long string is not UTF-8")
	}
	return string(p), nil
}

// properties reads name/value pairs until an empty name followed by the end marker.
func (s *decodeState) properties(depth int) ([]Property, error) {
	if s.d.MaxDepth > 0 && depth > s.d.MaxDepth {
		return nil, malformed(nil, "nesting deeper than %d", s.d.MaxDepth)
	}
	var props []Property
	for {
		if err := s.checkBudget(); err != nil {
			return nil, err
		}
		name, err := s.shortString()
		if err != nil {
			return nil, err
		}
		if name == "" {
			end, err := s.buf.ReadByte()
			if err != nil {
				return nil, malformed(err, "object end marker")
			}
			if end != TypeObjectEnd {
				return nil, malformed(nil, "empty property name followed by 0x%02x", end)
			}
			return props, nil
		}
		if s.d.MaxProperties > 0 && len(props) >= s.d.MaxProperties {
			return nil, malformed(nil, "object has more than %d properties", s.d.MaxProperties)
		}
		v, err := s.value(depth)
		if err != nil {
			return nil, err
		}
		props = setProperty(props, name, v)
	}
}

func (s *decodeState) strictArray(depth int) (Value, error) {
	if s.d.MaxDepth > 0 && depth > s.d.MaxDepth {
		return nil, malformed(nil, "nesting deeper than %d", s.d.MaxDepth)
	}
	count, err := s.buf.ReadUint32()
	if err != nil {
		return nil, malformed(err, "strict array count")
	}
	// Every element takes at least its marker byte
	if int64(count) > int64(s.buf.Remaining()) {
		return nil, malformed(nil, "strict array count %d exceeds remaining %d", count, s.buf.Remaining())
	}
	if s.d.MaxProperties > 0 && int64(count) > int64(s.d.MaxProperties) {
		return nil, malformed(nil, "strict array count %d exceeds %d", count, s.d.MaxProperties)
	}
	arr := make(StrictArray, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := s.value(depth)
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	return arr, nil
}
