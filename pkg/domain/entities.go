// Package domain defines the generic data model shared by every business
// object in the engine: tenants, entities, typed attributes, relationships and
// ledger transactions, plus the rule and persistence contracts evaluated
// around them.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordKind identifies the logical record families persisted by the engine.
type RecordKind string

const (
	RecordOrganization    RecordKind = "organization"
	RecordEntity          RecordKind = "entity"
	RecordAttribute       RecordKind = "attribute"
	RecordRelationship    RecordKind = "relationship"
	RecordTransaction     RecordKind = "transaction"
	RecordTransactionLine RecordKind = "transaction_line"
)

// Severity captures rule outcomes.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
	SeverityLog   Severity = "log"
)

// Base contains common fields for all persisted records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrganizationStatus marks whether a tenant accepts writes.
type OrganizationStatus string

const (
	OrganizationActive    OrganizationStatus = "active"
	OrganizationSuspended OrganizationStatus = "suspended"
)

// Organization is the tenant boundary every other record is keyed by.
type Organization struct {
	Base
	Name     string             `json:"organization_name"`
	Code     string             `json:"organization_code,omitempty"`
	Status   OrganizationStatus `json:"status"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

// EntityStatus enumerates entity lifecycle states. Anything other than
// EntityArchived counts as live.
type EntityStatus string

const (
	EntityActive   EntityStatus = "active"
	EntityInactive EntityStatus = "inactive"
	EntityArchived EntityStatus = "archived"
)

// Entity represents any noun in the business domain. EntityType is an open
// vocabulary; the engine does not enumerate it.
type Entity struct {
	Base
	OrganizationID string         `json:"organization_id"`
	EntityType     string         `json:"entity_type"`
	EntityName     string         `json:"entity_name"`
	EntityCode     string         `json:"entity_code,omitempty"`
	TaxonomyCode   string         `json:"taxonomy_code"`
	Status         EntityStatus   `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// IsLive reports whether the entity participates in identity resolution.
func (e Entity) IsLive() bool {
	return e.Status != EntityArchived
}

// NormalizedName returns the identity key form of the entity name.
func (e Entity) NormalizedName() string {
	return NormalizeName(e.EntityName)
}

// Action indicates the type of mutation performed on a record.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change describes a mutation applied to a record during a transaction.
type Change struct {
	Record RecordKind
	Action Action
	Before any
	After  any
}

// Violation reports a rule or guardrail finding.
type Violation struct {
	Code     string     `json:"code"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Field    string     `json:"field,omitempty"`
	Record   RecordKind `json:"record,omitempty"`
	RecordID string     `json:"record_id,omitempty"`
	Detail   string     `json:"detail,omitempty"`
}

func (v Violation) String() string {
	if v.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", v.Code, v.Message, v.Field)
	}
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// Result aggregates violations returned by a rules evaluation.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Merge folds other's violations into r.
func (r *Result) Merge(other Result) {
	r.Violations = append(r.Violations, other.Violations...)
}

// Add appends violations to the result.
func (r *Result) Add(v ...Violation) {
	r.Violations = append(r.Violations, v...)
}

// HasBlocking returns true when any violation has blocking severity.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Blocking returns the blocking subset of violations.
func (r Result) Blocking() []Violation {
	return r.filter(SeverityBlock)
}

// Warnings returns the warn-severity subset of violations.
func (r Result) Warnings() []Violation {
	return r.filter(SeverityWarn)
}

func (r Result) filter(sev Severity) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == sev {
			out = append(out, v)
		}
	}
	return out
}

// RuleViolationError is returned when a transaction is aborted by blocking rules.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	blocking := e.Result.Blocking()
	if len(blocking) == 0 {
		return "transaction blocked by rules"
	}
	return fmt.Sprintf("transaction blocked by rules: %s", blocking[0].String())
}

// CloneMap returns a shallow copy of a metadata map; JSON-shaped values are
// deep copied so callers cannot mutate stored state through nested maps.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Valid reports whether s is a known entity status.
func (s EntityStatus) Valid() bool {
	switch s {
	case EntityActive, EntityInactive, EntityArchived:
		return true
	}
	return false
}

// EntityPatch carries the mutable entity fields of an update. Nil fields are
// left untouched; a non-nil Metadata replaces the stored map.
type EntityPatch struct {
	EntityName   *string        `json:"entity_name,omitempty"`
	EntityCode   *string        `json:"entity_code,omitempty"`
	TaxonomyCode *string        `json:"taxonomy_code,omitempty"`
	Status       *EntityStatus  `json:"status,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p EntityPatch) IsEmpty() bool {
	return p.EntityName == nil && p.EntityCode == nil && p.TaxonomyCode == nil && p.Status == nil && p.Metadata == nil
}

// Apply writes the patch onto e.
func (p EntityPatch) Apply(e *Entity) {
	if p.EntityName != nil {
		e.EntityName = *p.EntityName
	}
	if p.EntityCode != nil {
		e.EntityCode = *p.EntityCode
	}
	if p.TaxonomyCode != nil {
		e.TaxonomyCode = *p.TaxonomyCode
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.Metadata != nil {
		e.Metadata = CloneMap(p.Metadata)
	}
}
