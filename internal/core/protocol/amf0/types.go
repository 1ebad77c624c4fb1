// This file defines AMF0 type markers and the value model.
// Values are a closed sum type; objects own their properties by value.

package amf0

// AMF0 type markers
const (
	TypeNumber      = 0x00
	TypeBoolean     = 0x01
	TypeString      = 0x02
	TypeObject      = 0x03
	TypeMovieClip   = 0x04
	TypeNull        = 0x05
	TypeUndefined   = 0x06
	TypeReference   = 0x07
	TypeECMAArray   = 0x08
	TypeObjectEnd   = 0x09
	TypeStrictArray = 0x0A
	TypeDate        = 0x0B
	TypeLongString  = 0x0C
	TypeUnsupported = 0x0D
	TypeXMLDocument = 0x0F
	TypeTypedObject = 0x10
)

// Value is one decoded AMF0 value.
// Implemented by Number, Boolean, String, Null, Undefined, *Object, ECMAArray and StrictArray.
type Value interface {
	marker() byte
}

// Number is an IEEE-754 double.
type Number float64

// Boolean is an AMF0 boolean.
type Boolean bool

// String is UTF-8 text. Strings longer than 65535 bytes are carried as long strings.
type String string

// Null is the AMF0 null value.
type Null struct{}

// Undefined is the AMF0 undefined value.
type Undefined struct{}

// Property is one named member of an object or ECMA array.
type Property struct {
	Name  string
	Value Value
}

// Object is an anonymous or typed object.
// Class is empty for plain objects and holds the class name for typed objects.
// Property names are unique; Set replaces an existing entry in place.
type Object struct {
	Class      string
	Properties []Property
}

// ECMAArray is an associative array. It is encoded like an object with a count prefix.
type ECMAArray struct {
	Properties []Property
}

// StrictArray is a dense, ordered list of values.
type StrictArray []Value

func (Number) marker() byte      { return TypeNumber }
func (Boolean) marker() byte     { return TypeBoolean }
func (Null) marker() byte        { return TypeNull }
func (Undefined) marker() byte   { return TypeUndefined }
func (ECMAArray) marker() byte   { return TypeECMAArray }
func (StrictArray) marker() byte { return TypeStrictArray }

func (o *Object) marker() byte {
	if o.Class != "" {
		return TypeTypedObject
	}
	return TypeObject
}

func (s String) marker() byte {
	if len(s) > 0xFFFF {
		return TypeLongString
	}
	return TypeString
}

// NewObject builds a plain object from props.
// Later duplicates replace earlier ones.
func NewObject(props ...Property) *Object {
	obj := &Object{Properties: make([]Property, 0, len(props))}
	for _, p := range props {
		obj.Set(p.Name, p.Value)
	}
	return obj
}

// Prop is shorthand for building a Property.
func Prop(name string, v Value) Property {
	return Property{Name: name, Value: v}
}

// Set adds or replaces a property.
func (o *Object) Set(name string, v Value) {
	o.Properties = setProperty(o.Properties, name, v)
}

// Get returns the named property value.
func (o *Object) Get(name string) (Value, bool) {
	return getProperty(o.Properties, name)
}

// GetString returns the named property if it is a string.
func (o *Object) GetString(name string) (string, bool) {
	v, ok := o.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(String)
	return string(s), ok
}

// GetNumber returns the named property if it is a number.
func (o *Object) GetNumber(name string) (float64, bool) {
	v, ok := o.Get(name)
	if !ok {
		return 0, false
	}
	n, ok := v.(Number)
	return float64(n), ok
}

// Set adds or replaces an element.
func (a *ECMAArray) Set(name string, v Value) {
	a.Properties = setProperty(a.Properties, name, v)
}

// Get returns the named element.
func (a ECMAArray) Get(name string) (Value, bool) {
	return getProperty(a.Properties, name)
}

func setProperty(props []Property, name string, v Value) []Property {
	for i := range props {
		if props[i].Name == name {
			props[i].Value = v
			return props
		}
	}
	return append(props, Property{Name: name, Value: v})
}

func getProperty(props []Property, name string) (Value, bool) {
	for _, p := range props {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}
