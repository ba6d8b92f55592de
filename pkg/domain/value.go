package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// ValueType names the storage slot an attribute value occupies.
type ValueType string

const (
	ValueText    ValueType = "text"
	ValueNumber  ValueType = "number"
	ValueBoolean ValueType = "boolean"
	ValueDate    ValueType = "date"
	ValueJSON    ValueType = "json"
)

// Valid reports whether t is one of the supported slots.
func (t ValueType) Valid() bool {
	switch t {
	case ValueText, ValueNumber, ValueBoolean, ValueDate, ValueJSON:
		return true
	}
	return false
}

// Value is a tagged union over the supported attribute slots. The zero Value
// has no type and is rejected by the stores.
type Value struct {
	kind    ValueType
	text    string
	number  decimal.Decimal
	boolean bool
	date    time.Time
	raw     json.RawMessage
}

func TextValue(s string) Value            { return Value{kind: ValueText, text: s} }
func NumberValue(d decimal.Decimal) Value { return Value{kind: ValueNumber, number: d} }
func BoolValue(b bool) Value              { return Value{kind: ValueBoolean, boolean: b} }
func DateValue(t time.Time) Value         { return Value{kind: ValueDate, date: t.UTC()} }

// JSONValue wraps an already-encoded JSON document.
func JSONValue(raw json.RawMessage) Value {
	return Value{kind: ValueJSON, raw: append(json.RawMessage(nil), raw...)}
}

// Type returns the slot the value occupies.
func (v Value) Type() ValueType { return v.kind }

// IsZero reports whether the value carries no type.
func (v Value) IsZero() bool { return v.kind == "" }

func (v Value) Text() (string, bool)            { return v.text, v.kind == ValueText }
func (v Value) Number() (decimal.Decimal, bool) { return v.number, v.kind == ValueNumber }
func (v Value) Bool() (bool, bool)              { return v.boolean, v.kind == ValueBoolean }
func (v Value) Date() (time.Time, bool)         { return v.date, v.kind == ValueDate }
func (v Value) JSON() (json.RawMessage, bool)   { return v.raw, v.kind == ValueJSON }

// Equal reports whether both values occupy the same slot with equal payloads.
func (v Value) Equal(o Value) bool { return v.kind == o.kind && v.equalPayload(o) }

func (v Value) equalPayload(o Value) bool {
	switch v.kind {
	case ValueText:
		return v.text == o.text
	case ValueNumber:
		return v.number.Equal(o.number)
	case ValueBoolean:
		return v.boolean == o.boolean
	case ValueDate:
		return v.date.Equal(o.date)
	case ValueJSON:
		return bytes.Equal(v.raw, o.raw)
	}
	return true
}

// Interface returns the value as a plain Go value suitable for JSON output.
func (v Value) Interface() any {
	switch v.kind {
	case ValueText:
		return v.text
	case ValueNumber:
		return v.number
	case ValueBoolean:
		return v.boolean
	case ValueDate:
		return v.date
	case ValueJSON:
		return v.raw
	}
	return nil
}

type wireValue struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"type": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == "" {
		return []byte("null"), nil
	}
	payload, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: v.kind, Value: payload})
}

// UnmarshalJSON decodes the {"type": ..., "value": ...} form. When type is
// omitted it is inferred from the JSON token; dates must be typed explicitly.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Value{}
		return nil
	}
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := ParseValue(w.Type, w.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseValue decodes raw into the requested slot. An empty type infers the
// slot from the JSON token kind.
func ParseValue(t ValueType, raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Value{}, errors.Newf("value for %q slot is empty", t)
	}
	if t == "" {
		t = inferType(raw)
	}
	switch t {
	case ValueText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, errors.Wrap(err, "text value")
		}
		return TextValue(s), nil
	case ValueNumber:
		var d decimal.Decimal
		if err := json.Unmarshal(raw, &d); err != nil {
			return Value{}, errors.Wrap(err, "number value")
		}
		return NumberValue(d), nil
	case ValueBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, errors.Wrap(err, "boolean value")
		}
		return BoolValue(b), nil
	case ValueDate:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, errors.Wrap(err, "date value")
		}
		ts, err := ParseDate(s)
		if err != nil {
			return Value{}, err
		}
		return DateValue(ts), nil
	case ValueJSON:
		if !json.Valid(raw) {
			return Value{}, errors.New("json value is not valid JSON")
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return Value{}, errors.Wrap(err, "json value")
		}
		return JSONValue(buf.Bytes()), nil
	default:
		return Value{}, errors.Newf("unsupported value type %q", t)
	}
}

func inferType(raw json.RawMessage) ValueType {
	switch raw[0] {
	case '"':
		return ValueText
	case 't', 'f':
		return ValueBoolean
	case '{', '[':
		return ValueJSON
	default:
		return ValueNumber
	}
}

// ParseDate accepts RFC3339 timestamps and plain calendar dates.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("date %q is not RFC3339 or YYYY-MM-DD", s)
}

// Attribute is one typed value attached to an entity. FieldName is unique per
// (organization, entity).
type Attribute struct {
	OrganizationID string    `json:"organization_id"`
	EntityID       string    `json:"entity_id"`
	FieldName      string    `json:"field_name"`
	Value          Value     `json:"value"`
	TaxonomyCode   string    `json:"taxonomy_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Key returns the (entity, field) identity of the attribute.
func (a Attribute) Key() AttributeKey {
	return AttributeKey{EntityID: a.EntityID, FieldName: a.FieldName}
}

// AttributeKey identifies an attribute row within a tenant.
type AttributeKey struct {
	EntityID  string
	FieldName string
}
