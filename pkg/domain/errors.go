package domain

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrorKind classifies failures surfaced to callers.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindIdentityConflict ErrorKind = "identity_conflict"
	KindReferential      ErrorKind = "referential"
	KindNotFound         ErrorKind = "not_found"
	KindVersionDrift     ErrorKind = "version_drift"
	KindStorage          ErrorKind = "storage"
	KindInternal         ErrorKind = "internal"
)

// Violation codes raised by in-transaction rules that describe identity
// conflicts rather than malformed input.
const (
	CodeDuplicateEntity       = "ENTITY-DUPLICATE"
	CodeDuplicateRelationship = "REL-DUPLICATE-ACTIVE"
)

// ValidationError carries the blocking guardrail violations of a rejected write.
type ValidationError struct {
	Violations []Violation
}

func (e ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Codes lists the violation codes in order.
func (e ValidationError) Codes() []string {
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, v.Code)
	}
	return out
}

// ErrNotFound is returned when a read or mutation targets a missing record.
type ErrNotFound struct {
	Record RecordKind
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Record, e.ID)
}

// DuplicateEntityError reports a live entity already holding the identity key.
type DuplicateEntityError struct {
	ExistingID     string
	EntityType     string
	NormalizedName string
}

func (e DuplicateEntityError) Error() string {
	return fmt.Sprintf("entity %s %q already exists as %s", e.EntityType, e.NormalizedName, e.ExistingID)
}

// DuplicateRelationshipError reports an active edge already asserting the same fact.
type DuplicateRelationshipError struct {
	ExistingID       string
	RelationshipType string
	FromEntityID     string
	ToEntityID       string
}

func (e DuplicateRelationshipError) Error() string {
	return fmt.Sprintf("active %s relationship from %s to %s already exists as %s",
		e.RelationshipType, e.FromEntityID, e.ToEntityID, e.ExistingID)
}

// ReferentialError blocks a hard delete of a referenced entity.
type ReferentialError struct {
	EntityID string
	Counts   ReferenceCounts
}

func (e ReferentialError) Error() string {
	return fmt.Sprintf("entity %s is referenced by %d relationships, %d transaction lines and %d transactions",
		e.EntityID, e.Counts.Relationships, e.Counts.Lines, e.Counts.Transactions)
}

// UnsupportedOperationError is returned when no handler is registered for the
// requested (aggregate, action, version).
type UnsupportedOperationError struct {
	Aggregate string
	Action    string
	Version   string
}

func (e UnsupportedOperationError) Error() string {
	return fmt.Sprintf("operation %s %s is not available in version %s", e.Action, e.Aggregate, e.Version)
}

// StorageError is the stable {code, message, hint} wrapper around backend failures.
type StorageError struct {
	Code    string
	Message string
	Hint    string
	Cause   error
}

func (e *StorageError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *StorageError) Unwrap() error { return e.Cause }

// NewStorageError wraps cause with a stable code while keeping it reachable
// through errors.Is / errors.As.
func NewStorageError(code, message, hint string, cause error) error {
	return errors.WithStack(&StorageError{Code: code, Message: message, Hint: hint, Cause: cause})
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		verr ValidationError
		nf   ErrNotFound
		dup  DuplicateEntityError
		drel DuplicateRelationshipError
		ref  ReferentialError
		uns  UnsupportedOperationError
		serr *StorageError
		rerr RuleViolationError
	)
	switch {
	case errors.As(err, &verr):
		return KindValidation
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &dup), errors.As(err, &drel):
		return KindIdentityConflict
	case errors.As(err, &ref):
		return KindReferential
	case errors.As(err, &uns):
		return KindVersionDrift
	case errors.As(err, &rerr):
		for _, v := range rerr.Result.Blocking() {
			if v.Code == CodeDuplicateEntity || v.Code == CodeDuplicateRelationship {
				return KindIdentityConflict
			}
		}
		return KindValidation
	case errors.As(err, &serr):
		return KindStorage
	}
	return KindInternal
}

// Description is the flattened form of an error at the call boundary.
type Description struct {
	Kind       ErrorKind   `json:"kind"`
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	Detail     string      `json:"detail,omitempty"`
	Hint       string      `json:"hint,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

// Describe flattens err into a caller facing description. Raw storage engine
// text is only exposed through Detail.
func Describe(err error) Description {
	if err == nil {
		return Description{}
	}
	d := Description{Kind: KindOf(err)}
	var (
		verr ValidationError
		rerr RuleViolationError
		dup  DuplicateEntityError
		drel DuplicateRelationshipError
		ref  ReferentialError
		serr *StorageError
	)
	switch d.Kind {
	case KindValidation:
		d.Code = "VALIDATION-FAILED"
		if errors.As(err, &verr) {
			d.Violations = verr.Violations
		} else if errors.As(err, &rerr) {
			d.Violations = rerr.Result.Blocking()
		}
		if len(d.Violations) > 0 {
			d.Code = d.Violations[0].Code
			d.Detail = d.Violations[0].Detail
		}
		d.Message = err.Error()
	case KindIdentityConflict:
		d.Message = err.Error()
		switch {
		case errors.As(err, &dup):
			d.Code = CodeDuplicateEntity
			d.Detail = "existing_id=" + dup.ExistingID
			d.Hint = "resolve the existing entity instead of creating a new one"
		case errors.As(err, &drel):
			d.Code = CodeDuplicateRelationship
			d.Detail = "existing_id=" + drel.ExistingID
			d.Hint = "deactivate the existing relationship or update its data"
		case errors.As(err, &rerr):
			d.Violations = rerr.Result.Blocking()
			d.Code = d.Violations[0].Code
			d.Detail = d.Violations[0].Detail
		}
	case KindReferential:
		d.Code = "REFERENTIAL-VIOLATION"
		d.Message = err.Error()
		if errors.As(err, &ref) {
			d.Detail = fmt.Sprintf("relationships=%d transaction_lines=%d transactions=%d",
				ref.Counts.Relationships, ref.Counts.Lines, ref.Counts.Transactions)
		}
		d.Hint = "archive the entity instead, or remove its references first"
	case KindNotFound:
		d.Code = "NOT-FOUND"
		d.Message = err.Error()
	case KindVersionDrift:
		d.Code = "UNSUPPORTED-OPERATION"
		d.Message = err.Error()
		d.Hint = "use a supported version for this action"
	case KindStorage:
		errors.As(err, &serr)
		d.Code = serr.Code
		d.Message = serr.Message
		d.Hint = serr.Hint
		if serr.Cause != nil {
			d.Detail = serr.Cause.Error()
		}
	default:
		d.Code = "INTERNAL"
		d.Message = "internal error"
		d.Detail = err.Error()
	}
	if hints := errors.FlattenHints(err); hints != "" {
		if d.Hint == "" {
			d.Hint = hints
		} else if !strings.Contains(d.Hint, hints) {
			d.Hint = d.Hint + "\n" + hints
		}
	}
	if details := errors.FlattenDetails(err); details != "" && d.Detail == "" {
		d.Detail = details
	}
	return d
}
