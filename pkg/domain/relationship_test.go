package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestLifecycleStates(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	var zero Lifecycle
	if zero.State() != LifecycleActive || !zero.IsActiveAt(now) {
		t.Fatalf("zero lifecycle should be active")
	}

	expiring := ExpiringAt(now.Add(time.Hour))
	if !expiring.IsActiveAt(now) {
		t.Fatalf("expiring edge counts as active before its instant")
	}
	if expiring.IsActiveAt(now.Add(time.Hour)) {
		t.Fatalf("expiring edge is inactive at its instant")
	}
	if got := expiring.Resolve(now); got.State() != LifecycleExpiring {
		t.Fatalf("resolve before instant should keep expiring, got %s", got.State())
	}
	resolved := expiring.Resolve(now.Add(2 * time.Hour))
	if resolved.State() != LifecycleExpired {
		t.Fatalf("resolve after instant should expire, got %s", resolved.State())
	}
	if at, ok := resolved.At(); !ok || !at.Equal(now.Add(time.Hour)) {
		t.Fatalf("expired edge keeps the scheduled instant, got %v", at)
	}
	if _, ok := Active().At(); ok {
		t.Fatalf("active edge has no instant")
	}
}

func TestLifecycleColumnsRoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, l := range []Lifecycle{Active(), ExpiringAt(at), ExpiredAt(at)} {
		active, exp := l.Columns()
		back := LifecycleFromColumns(active, exp)
		if back != l {
			t.Fatalf("columns round trip changed %+v into %+v", l, back)
		}
	}
	if got := LifecycleFromColumns(false, nil); got.State() != LifecycleExpired {
		t.Fatalf("inactive edge without date should be expired, got %s", got.State())
	}
}

func TestRelationshipJSONCarriesLifecycle(t *testing.T) {
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rel := Relationship{
		Base:             Base{ID: "rel-1"},
		OrganizationID:   "org-1",
		FromEntityID:     "a",
		ToEntityID:       "b",
		RelationshipType: "MEMBER_OF",
		Lifecycle:        ExpiringAt(at),
	}
	data, err := json.Marshal(rel)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}
	if wire["is_active"] != true || wire["lifecycle"] != string(LifecycleExpiring) || wire["expiration_date"] == nil {
		t.Fatalf("unexpected wire form %s", data)
	}
	var back Relationship
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	gotAt, _ := back.Lifecycle.At()
	if back.Lifecycle.State() != LifecycleExpiring || !gotAt.Equal(at) || back.PairKey() != rel.PairKey() {
		t.Fatalf("decoded relationship differs: %+v", back)
	}
}

func TestRelationshipTouches(t *testing.T) {
	rel := Relationship{FromEntityID: "a", ToEntityID: "b"}
	if !rel.Touches("a", DirectionOutgoing) || rel.Touches("a", DirectionIncoming) {
		t.Fatalf("outgoing anchors on from")
	}
	if !rel.Touches("b", DirectionIncoming) || !rel.Touches("b", DirectionBoth) || rel.Touches("c", DirectionBoth) {
		t.Fatalf("unexpected direction handling")
	}
	if p := DefaultRelationshipPolicy("X"); !p.SingleValued || p.OnDuplicate != DuplicateReject {
		t.Fatalf("unexpected default policy %+v", p)
	}
}
