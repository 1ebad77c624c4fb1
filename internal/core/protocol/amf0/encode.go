// This file implements AMF0 encoding for RTMP responses and notifications.
// Encoding always writes the type marker first and mirrors decode exactly.

package amf0

import (
	"math"

	"rtmpd/internal/core/buffer"

	"github.com/pkg/errors"
)

// ErrNameTooLong is returned when a property or class name does not fit a u16 length.
var ErrNameTooLong = errors.New("AMF0 name longer than 65535 bytes")

// Encode appends val to buf. A nil Value encodes as Null.
// On error buf is left as it was before the call.
func Encode(buf *buffer.Buffer, val Value) error {
	start := buf.Len()
	if err := encode(buf, val); err != nil {
		_ = buf.RemoveRange(start, buf.Len())
		return err
	}
	return nil
}

func encode(buf *buffer.Buffer, val Value) error {
	if val == nil {
		buf.AppendByte(TypeNull)
		return nil
	}

	switch v := val.(type) {
	case Number:
		buf.AppendByte(TypeNumber)
		buf.AppendFloat64(float64(v))
	case Boolean:
		buf.AppendByte(TypeBoolean)
		if v {
			buf.AppendByte(1)
		} else {
			buf.AppendByte(0)
		}
	case String:
		encodeString(buf, string(v))
	case Null:
		buf.AppendByte(TypeNull)
	case Undefined:
		buf.AppendByte(TypeUndefined)
	case *Object:
		if v == nil {
			buf.AppendByte(TypeNull)
			return nil
		}
		if v.Class != "" {
			buf.AppendByte(TypeTypedObject)
			if err := encodeName(buf, v.Class); err != nil {
				return err
			}
		} else {
			buf.AppendByte(TypeObject)
		}
		return encodeProperties(buf, v.Properties)
	case ECMAArray:
		buf.AppendByte(TypeECMAArray)
		buf.AppendUint32(uint32(len(v.Properties)))
		return encodeProperties(buf, v.Properties)
	case StrictArray:
		buf.AppendByte(TypeStrictArray)
		buf.AppendUint32(uint32(len(v)))
		for _, el := range v {
			if err := encode(buf, el); err != nil {
				return err
			}
		}
	default:
		return errors.Errorf("amf0: cannot encode %T", val)
	}
	return nil
}

// Marshal encodes values back to back, the layout of an RTMP command body.
func Marshal(values ...Value) ([]byte, error) {
	buf := buffer.New(64)
	for _, v := range values {
		if err := Encode(buf, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeString(buf *buffer.Buffer, s string) {
	if len(s) > math.MaxUint16 {
		buf.AppendByte(TypeLongString)
		buf.AppendUint32(uint32(len(s)))
	} else {
		buf.AppendByte(TypeString)
		buf.AppendUint16(uint16(len(s)))
	}
	buf.Append([]byte(s))
}

func encodeName(buf *buffer.Buffer, name string) error {
	if len(name) > math.MaxUint16 {
		return errors.Wrapf(ErrNameTooLong, "%.32q...", name)
	}
	buf.AppendUint16(uint16(len(name)))
	buf.Append([]byte(name))
	return nil
}

// encodeProperties writes pairs and the empty-name end marker.
func encodeProperties(buf *buffer.Buffer, props []Property) error {
	for _, p := range props {
		if p.Name == "" {
			return errors.New("amf0: property with empty name")
		}
		if err := encodeName(buf, p.Name); err != nil {
			return err
		}
		if err := encode(buf, p.Value); err != nil {
			return err
		}
	}
	buf.AppendUint16(0)
	buf.AppendByte(TypeObjectEnd)
	return nil
}
