package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AnswerKind identifies one of the answer node subtypes together with the
// property type its value is stored as.
type AnswerKind string

const (
	AnswerText       AnswerKind = "text"
	AnswerLong       AnswerKind = "long"
	AnswerDouble     AnswerKind = "double"
	AnswerDecimal    AnswerKind = "decimal"
	AnswerDate       AnswerKind = "date"
	AnswerTime       AnswerKind = "time"
	AnswerBoolean    AnswerKind = "boolean"
	AnswerVocabulary AnswerKind = "vocabulary"
	AnswerReference  AnswerKind = "reference"
	AnswerComputed   AnswerKind = "computed"
)

type answerKindInfo struct {
	nodeType  string
	valueType PropertyType
}

var answerKinds = map[AnswerKind]answerKindInfo{
	AnswerText:       {NodeTypeTextAnswer, TypeString},
	AnswerLong:       {NodeTypeLongAnswer, TypeLong},
	AnswerDouble:     {NodeTypeDoubleAnswer, TypeDouble},
	AnswerDecimal:    {NodeTypeDecimalAnswer, TypeDecimal},
	AnswerDate:       {NodeTypeDateAnswer, TypeDate},
	AnswerTime:       {NodeTypeTimeAnswer, TypeString},
	AnswerBoolean:    {NodeTypeBooleanAnswer, TypeLong},
	AnswerVocabulary: {NodeTypeVocabularyAnswer, TypeString},
	AnswerReference:  {NodeTypeReferenceAnswer, TypeReference},
	AnswerComputed:   {NodeTypeComputedAnswer, TypeString},
}

// NodeType returns the answer node type for the kind.
func (k AnswerKind) NodeType() string { return answerKinds[k].nodeType }

// ValueType returns the property type values of this kind are stored as.
func (k AnswerKind) ValueType() PropertyType { return answerKinds[k].valueType }

// Valid reports whether k is a known kind.
func (k AnswerKind) Valid() bool {
	_, ok := answerKinds[k]
	return ok
}

// AnswerKindForDataType maps a question's dataType to an answer kind.
func AnswerKindForDataType(dataType string) (AnswerKind, bool) {
	k := AnswerKind(strings.ToLower(dataType))
	return k, k.Valid()
}

// AnswerKindOf returns the kind of an answer node.
func AnswerKindOf(s NodeState) (AnswerKind, bool) {
	t := s.PrimaryType()
	for k, info := range answerKinds {
		if info.nodeType == t {
			return k, true
		}
	}
	return "", false
}

// ParseValue converts raw text into a property of this kind. Boolean answers
// are stored as 1/0 longs; dates accept RFC3339 or YYYY-MM-DD.
func (k AnswerKind) ParseValue(raw string) (Property, error) {
	raw = strings.TrimSpace(raw)
	switch k {
	case AnswerLong:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Property{}, fmt.Errorf("parse %s answer %q: %w", k, raw, err)
		}
		return LongValue(n), nil
	case AnswerDouble:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Property{}, fmt.Errorf("parse %s answer %q: %w", k, raw, err)
		}
		return DoubleValue(f), nil
	case AnswerDecimal:
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			return Property{}, fmt.Errorf("parse %s answer %q: %w", k, raw, err)
		}
		return DecimalValue(raw), nil
	case AnswerBoolean:
		switch strings.ToLower(raw) {
		case "1", "true", "yes", "y":
			return LongValue(1), nil
		case "0", "false", "no", "n":
			return LongValue(0), nil
		}
		return Property{}, fmt.Errorf("parse %s answer %q: not a boolean", k, raw)
	case AnswerDate:
		t, err := ParseDate(raw)
		if err != nil {
			return Property{}, fmt.Errorf("parse %s answer %q: %w", k, raw, err)
		}
		return DateValue(t), nil
	case AnswerReference:
		return ReferenceValue(raw), nil
	case "":
		return Property{}, fmt.Errorf("parse answer %q: missing kind", raw)
	}
	if !k.Valid() {
		return Property{}, fmt.Errorf("parse answer %q: unknown kind %q", raw, k)
	}
	return StringValue(raw), nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDate accepts the date layouts used by answers and import feeds.
func ParseDate(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, raw, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
