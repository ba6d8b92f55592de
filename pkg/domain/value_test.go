package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseValueInfersSlot(t *testing.T) {
	cases := []struct {
		raw  string
		want ValueType
	}{
		{`"gold"`, ValueText},
		{`12.50`, ValueNumber},
		{`true`, ValueBoolean},
		{`{"a": [1, 2]}`, ValueJSON},
		{`[1]`, ValueJSON},
	}
	for _, tc := range cases {
		v, err := ParseValue("", json.RawMessage(tc.raw))
		if err != nil {
			t.Fatalf("parse %s: %v", tc.raw, err)
		}
		if v.Type() != tc.want {
			t.Fatalf("%s: expected %s slot, got %s", tc.raw, tc.want, v.Type())
		}
	}
}

func TestParseValueExplicitTypes(t *testing.T) {
	n, err := ParseValue(ValueNumber, json.RawMessage(`"2500.10"`))
	if err != nil {
		t.Fatalf("quoted number: %v", err)
	}
	if d, _ := n.Number(); !d.Equal(decimal.RequireFromString("2500.1")) {
		t.Fatalf("unexpected number %s", d)
	}

	d, err := ParseValue(ValueDate, json.RawMessage(`"2026-02-03"`))
	if err != nil {
		t.Fatalf("date: %v", err)
	}
	if got, _ := d.Date(); !got.Equal(time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date %v", got)
	}

	j, err := ParseValue(ValueJSON, json.RawMessage("{ \"a\" :  1 }"))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if raw, _ := j.JSON(); string(raw) != `{"a":1}` {
		t.Fatalf("json should be compacted, got %s", raw)
	}

	for _, bad := range []struct {
		t   ValueType
		raw string
	}{
		{ValueText, `12`},
		{ValueBoolean, `"yes"`},
		{ValueDate, `"tomorrow"`},
		{ValueNumber, `null`},
		{"blob", `"x"`},
	} {
		if _, err := ParseValue(bad.t, json.RawMessage(bad.raw)); err == nil {
			t.Fatalf("expected %s %s to fail", bad.t, bad.raw)
		}
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	in := DateValue(time.Date(2026, 1, 2, 15, 4, 5, 0, time.FixedZone("X", 3600)))
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Value
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !in.Equal(out) {
		t.Fatalf("round trip changed value: %s", data)
	}

	var zero Value
	data, _ = json.Marshal(zero)
	if string(data) != "null" {
		t.Fatalf("zero value should encode as null, got %s", data)
	}
}

func TestValueEqualRespectsSlot(t *testing.T) {
	if TextValue("1").Equal(NumberValue(decimal.NewFromInt(1))) {
		t.Fatalf("values in different slots must differ")
	}
	if !NumberValue(decimal.RequireFromString("1.50")).Equal(NumberValue(decimal.RequireFromString("1.5"))) {
		t.Fatalf("numeric equality should ignore scale")
	}
}

func TestParseDateLayouts(t *testing.T) {
	for _, s := range []string{"2026-03-01", "2026-03-01T10:00:00", "2026-03-01T10:00:00+02:00"} {
		if _, err := ParseDate(s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	if _, err := ParseDate("03/01/2026"); err == nil {
		t.Fatalf("expected error for unsupported layout")
	}
}
