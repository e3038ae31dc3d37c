package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
)

const (
	DataTypeString = "String"
	DataTypeNumber = "Number"
	DataTypeBinary = "Binary"
)

// AttributeKind identifies which value slot of an AttributeValue is populated.
type AttributeKind uint8

const (
	KindString AttributeKind = iota
	KindBinary
	KindStringList
	KindBinaryList
)

var attributeKindNames = map[AttributeKind]string{
	KindString:     "string",
	KindBinary:     "binary",
	KindStringList: "stringList",
	KindBinaryList: "binaryList",
}

func (k AttributeKind) String() string {
	if name, ok := attributeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("AttributeKind(%d)", uint8(k))
}

func (k AttributeKind) MarshalText() ([]byte, error) {
	name, ok := attributeKindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown attribute kind %d", uint8(k))
	}
	return []byte(name), nil
}

func (k *AttributeKind) UnmarshalText(text []byte) error {
	for kind, name := range attributeKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown attribute kind %q", string(text))
}

// AttributeValue is a typed message attribute. Kind selects the populated value field,
// DataType is carried verbatim so custom types such as "String.json" survive transport.
type AttributeValue struct {
	DataType         string        `json:"dataType"`
	Kind             AttributeKind `json:"kind"`
	StringValue      string        `json:"stringValue,omitempty"`
	BinaryValue      []byte        `json:"binaryValue,omitempty"`
	StringListValues []string      `json:"stringListValues,omitempty"`
	BinaryListValues [][]byte      `json:"binaryListValues,omitempty"`
}

func StringAttribute(v string) AttributeValue {
	return AttributeValue{DataType: DataTypeString, Kind: KindString, StringValue: v}
}

func NumberAttribute(v string) AttributeValue {
	return AttributeValue{DataType: DataTypeNumber, Kind: KindString, StringValue: v}
}

func BinaryAttribute(v []byte) AttributeValue {
	return AttributeValue{DataType: DataTypeBinary, Kind: KindBinary, BinaryValue: v}
}

func StringListAttribute(v ...string) AttributeValue {
	return AttributeValue{DataType: DataTypeString, Kind: KindStringList, StringListValues: v}
}

func BinaryListAttribute(v ...[]byte) AttributeValue {
	return AttributeValue{DataType: DataTypeBinary, Kind: KindBinaryList, BinaryListValues: v}
}

// Clone returns a copy that shares no backing arrays with v.
func (v AttributeValue) Clone() AttributeValue {
	out := v
	out.BinaryValue = bytes.Clone(v.BinaryValue)
	out.StringListValues = slices.Clone(v.StringListValues)
	if v.BinaryListValues != nil {
		out.BinaryListValues = make([][]byte, len(v.BinaryListValues))
		for i, b := range v.BinaryListValues {
			out.BinaryListValues[i] = bytes.Clone(b)
		}
	}
	return out
}

func (v AttributeValue) Equal(o AttributeValue) bool {
	if v.DataType != o.DataType || v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.StringValue == o.StringValue
	case KindBinary:
		return bytes.Equal(v.BinaryValue, o.BinaryValue)
	case KindStringList:
		return slices.Equal(v.StringListValues, o.StringListValues)
	case KindBinaryList:
		return slices.EqualFunc(v.BinaryListValues, o.BinaryListValues, bytes.Equal)
	default:
		return false
	}
}

// Attributes is an ordered mapping of attribute names to values.
// The zero value is empty and ready to use.
type Attributes struct {
	names  []string
	values map[string]AttributeValue
}

// NewAttributes builds Attributes from string pairs, in argument order.
func NewAttributes(kv ...string) Attributes {
	var a Attributes
	for i := 0; i+1 < len(kv); i += 2 {
		a.Set(kv[i], StringAttribute(kv[i+1]))
	}
	return a
}

// Set stores value under name. An existing name keeps its position.
func (a *Attributes) Set(name string, value AttributeValue) {
	if a.values == nil {
		a.values = make(map[string]AttributeValue)
	}
	if _, ok := a.values[name]; !ok {
		a.names = append(a.names, name)
	}
	a.values[name] = value
}

func (a Attributes) Get(name string) (AttributeValue, bool) {
	v, ok := a.values[name]
	return v, ok
}

func (a Attributes) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

// String returns the string value of a String or Number attribute.
func (a Attributes) String(name string) (string, bool) {
	v, ok := a.values[name]
	if !ok || v.Kind != KindString {
		return "", false
	}
	return v.StringValue, true
}

func (a *Attributes) Delete(name string) {
	if _, ok := a.values[name]; !ok {
		return
	}
	delete(a.values, name)
	a.names = slices.DeleteFunc(a.names, func(n string) bool { return n == name })
}

func (a Attributes) Len() int {
	return len(a.names)
}

func (a Attributes) Names() []string {
	return slices.Clone(a.names)
}

// All iterates the attributes in insertion order.
func (a Attributes) All() iter.Seq2[string, AttributeValue] {
	return func(yield func(string, AttributeValue) bool) {
		for _, name := range a.names {
			if !yield(name, a.values[name]) {
				return
			}
		}
	}
}

func (a Attributes) Clone() Attributes {
	var out Attributes
	for name, v := range a.All() {
		out.Set(name, v.Clone())
	}
	return out
}

// Select returns a copy holding only the named attributes, or every attribute
// when names contains AllAttributes. No names selects nothing.
func (a Attributes) Select(names []string) Attributes {
	if slices.Contains(names, AllAttributes) {
		return a.Clone()
	}
	var out Attributes
	for name, v := range a.All() {
		if slices.Contains(names, name) {
			out.Set(name, v.Clone())
		}
	}
	return out
}

func (a Attributes) Equal(o Attributes) bool {
	if !slices.Equal(a.names, o.names) {
		return false
	}
	for name, v := range a.All() {
		if !v.Equal(o.values[name]) {
			return false
		}
	}
	return true
}

type namedAttribute struct {
	Name string `json:"name"`
	AttributeValue
}

// MarshalJSON encodes the attributes as an ordered list so that order survives storage.
func (a Attributes) MarshalJSON() ([]byte, error) {
	list := make([]namedAttribute, 0, len(a.names))
	for name, v := range a.All() {
		list = append(list, namedAttribute{Name: name, AttributeValue: v})
	}
	return json.Marshal(list)
}

func (a *Attributes) UnmarshalJSON(data []byte) error {
	var list []namedAttribute
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("could not decode attributes: %w", err)
	}
	*a = Attributes{}
	for _, item := range list {
		a.Set(item.Name, item.AttributeValue)
	}
	return nil
}
