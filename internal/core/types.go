package core

import (
	"erpcore/internal/guardrail"
	"erpcore/pkg/domain"
)

type (
	Severity           = domain.Severity
	Base               = domain.Base
	Organization       = domain.Organization
	Entity             = domain.Entity
	Attribute          = domain.Attribute
	Relationship       = domain.Relationship
	LedgerTransaction  = domain.LedgerTransaction
	TransactionHeader  = domain.TransactionHeader
	TransactionLine    = domain.TransactionLine
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	Rule               = domain.Rule
	RulesEngine        = domain.RulesEngine
	RuleViolationError = domain.RuleViolationError
	RuleView           = domain.RuleView
	RecordKind         = domain.RecordKind
	RelationshipPolicy = domain.RelationshipPolicy
	DuplicatePolicy    = domain.DuplicatePolicy
	TransactionFilter  = domain.TransactionFilter
	Value              = domain.Value
	EntitySchema       = guardrail.EntitySchema
	FieldSpec          = guardrail.FieldSpec
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	RecordEntity      = domain.RecordEntity
	RecordTransaction = domain.RecordTransaction

	DuplicateReject    = domain.DuplicateReject
	DuplicateSupersede = domain.DuplicateSupersede

	TransactionDraft  = domain.TransactionDraft
	TransactionPosted = domain.TransactionPosted
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)

var (
	TextValue   = domain.TextValue
	NumberValue = domain.NumberValue
	BoolValue   = domain.BoolValue
	DateValue   = domain.DateValue
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// Scope is the explicit tenant context every operation runs under. Nothing in
// the engine reads a "current organization" from anywhere else.
type Scope struct {
	OrganizationID string
	ActorID        string
}
