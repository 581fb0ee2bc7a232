package domain

import (
	"slices"
	"strconv"
	"time"
)

// PropertyType enumerates the value types a node property may carry.
type PropertyType string

const (
	TypeString        PropertyType = "String"
	TypeLong          PropertyType = "Long"
	TypeDouble        PropertyType = "Double"
	TypeDecimal       PropertyType = "Decimal"
	TypeBoolean       PropertyType = "Boolean"
	TypeDate          PropertyType = "Date"
	TypeReference     PropertyType = "Reference"
	TypeWeakReference PropertyType = "WeakReference"
	TypePath          PropertyType = "Path"
	TypeName          PropertyType = "Name"
)

// Property is a typed, possibly multi-valued node property. Values are kept in
// their canonical string encoding so that snapshots round-trip losslessly.
type Property struct {
	Type     PropertyType `json:"type"`
	Multiple bool         `json:"multiple,omitempty"`
	Values   []string     `json:"values"`
}

// StringValue returns a single-valued String property.
func StringValue(v string) Property {
	return Property{Type: TypeString, Values: []string{v}}
}

// StringValues returns a multi-valued String property.
func StringValues(vs ...string) Property {
	return Property{Type: TypeString, Multiple: true, Values: slices.Clone(vs)}
}

// LongValue returns a single-valued Long property.
func LongValue(v int64) Property {
	return Property{Type: TypeLong, Values: []string{strconv.FormatInt(v, 10)}}
}

// LongValues returns a multi-valued Long property.
func LongValues(vs ...int64) Property {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = strconv.FormatInt(v, 10)
	}
	return Property{Type: TypeLong, Multiple: true, Values: out}
}

// DoubleValue returns a single-valued Double property.
func DoubleValue(v float64) Property {
	return Property{Type: TypeDouble, Values: []string{strconv.FormatFloat(v, 'g', -1, 64)}}
}

// DecimalValue returns a single-valued Decimal property from its textual form.
func DecimalValue(v string) Property {
	return Property{Type: TypeDecimal, Values: []string{v}}
}

// BooleanValue returns a single-valued Boolean property.
func BooleanValue(v bool) Property {
	return Property{Type: TypeBoolean, Values: []string{strconv.FormatBool(v)}}
}

// DateValue returns a single-valued Date property.
func DateValue(t time.Time) Property {
	return Property{Type: TypeDate, Values: []string{t.Format(time.RFC3339Nano)}}
}

// ReferenceValue returns a single-valued Reference property pointing at the node
// with the given jcr:uuid.
func ReferenceValue(id string) Property {
	return Property{Type: TypeReference, Values: []string{id}}
}

// ReferenceValues returns a multi-valued Reference property.
func ReferenceValues(ids ...string) Property {
	return Property{Type: TypeReference, Multiple: true, Values: slices.Clone(ids)}
}

// PathValue returns a single-valued Path property.
func PathValue(p string) Property {
	return Property{Type: TypePath, Values: []string{p}}
}

// NameValue returns a single-valued Name property.
func NameValue(n string) Property {
	return Property{Type: TypeName, Values: []string{n}}
}

// IsZero reports whether the property is unset.
func (p Property) IsZero() bool { return p.Type == "" }

// IsReference reports whether the property holds node identifiers.
func (p Property) IsReference() bool {
	return p.Type == TypeReference || p.Type == TypeWeakReference
}

// String returns the first value, or the empty string.
func (p Property) String() string {
	if len(p.Values) == 0 {
		return ""
	}
	return p.Values[0]
}

// Strings returns a copy of all values.
func (p Property) Strings() []string { return slices.Clone(p.Values) }

// Long parses the first value as a base-10 integer.
func (p Property) Long() (int64, bool) {
	if len(p.Values) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(p.Values[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Longs parses every value as an integer, skipping malformed entries.
func (p Property) Longs() []int64 {
	out := make([]int64, 0, len(p.Values))
	for _, v := range p.Values {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// Double parses the first value as a float.
func (p Property) Double() (float64, bool) {
	if len(p.Values) == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(p.Values[0], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Bool parses the first value as a boolean; malformed values are false.
func (p Property) Bool() bool {
	if len(p.Values) == 0 {
		return false
	}
	b, _ := strconv.ParseBool(p.Values[0])
	return b
}

// Date parses the first value as an RFC3339 timestamp.
func (p Property) Date() (time.Time, bool) {
	if len(p.Values) == 0 {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, p.Values[0])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Contains reports whether any value equals v.
func (p Property) Contains(v string) bool { return slices.Contains(p.Values, v) }

// Equal compares type, cardinality and values.
func (p Property) Equal(o Property) bool {
	return p.Type == o.Type && p.Multiple == o.Multiple && slices.Equal(p.Values, o.Values)
}

// Value returns the property as a plain Go value suitable for JSON encoding:
// numbers and booleans are decoded, everything else stays textual.
func (p Property) Value() any {
	if p.Multiple {
		out := make([]any, len(p.Values))
		for i, v := range p.Values {
			out[i] = p.decode(v)
		}
		return out
	}
	if len(p.Values) == 0 {
		return nil
	}
	return p.decode(p.Values[0])
}

func (p Property) decode(v string) any {
	switch p.Type {
	case TypeLong:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case TypeDouble:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	case TypeBoolean:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return v
}

func (p Property) clone() Property {
	p.Values = slices.Clone(p.Values)
	return p
}
