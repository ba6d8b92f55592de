package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PostingType is the debit/credit role of a ledger line.
type PostingType string

const (
	PostingDebit  PostingType = "debit"
	PostingCredit PostingType = "credit"
)

// Valid reports whether p is debit or credit.
func (p PostingType) Valid() bool {
	return p == PostingDebit || p == PostingCredit
}

// Flip returns the opposite posting side.
func (p PostingType) Flip() PostingType {
	switch p {
	case PostingDebit:
		return PostingCredit
	case PostingCredit:
		return PostingDebit
	}
	return p
}

// TransactionStatus enumerates ledger header states.
type TransactionStatus string

const (
	TransactionDraft     TransactionStatus = "draft"
	TransactionPosted    TransactionStatus = "posted"
	TransactionCancelled TransactionStatus = "cancelled"
	TransactionReversed  TransactionStatus = "reversed"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionDraft:  {TransactionPosted, TransactionCancelled},
	TransactionPosted: {TransactionReversed, TransactionCancelled},
}

// CanTransition reports whether a header may move from one status to another.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transactionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionDraft, TransactionPosted, TransactionCancelled, TransactionReversed:
		return true
	}
	return false
}

// TransactionHeader represents a business event. TotalAmount is derived from
// the lines at commit time and never authored directly.
type TransactionHeader struct {
	Base
	OrganizationID  string            `json:"organization_id"`
	TransactionType string            `json:"transaction_type"`
	TransactionCode string            `json:"transaction_code,omitempty"`
	TransactionDate time.Time         `json:"transaction_date"`
	SourceEntityID  string            `json:"source_entity_id,omitempty"`
	TargetEntityID  string            `json:"target_entity_id,omitempty"`
	TotalAmount     decimal.Decimal   `json:"total_amount"`
	Status          TransactionStatus `json:"status"`
	TaxonomyCode    string            `json:"taxonomy_code"`
	ReversalOf      string            `json:"reversal_of,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
}

// TransactionLine is one ordered line of a transaction. Lines are immutable
// once committed.
type TransactionLine struct {
	TransactionID  string          `json:"transaction_id"`
	OrganizationID string          `json:"organization_id"`
	LineNumber     int             `json:"line_number"`
	EntityID       string          `json:"entity_id,omitempty"`
	LineType       string          `json:"line_type,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitAmount     decimal.Decimal `json:"unit_amount"`
	LineAmount     decimal.Decimal `json:"line_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	PostingType    PostingType     `json:"posting_type,omitempty"`
	TaxonomyCode   string          `json:"taxonomy_code,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// EffectiveAmount returns LineAmount, falling back to quantity × unit amount
// when the line amount was not supplied.
func (l TransactionLine) EffectiveAmount() decimal.Decimal {
	if !l.LineAmount.IsZero() || l.UnitAmount.IsZero() {
		return l.LineAmount
	}
	qty := l.Quantity
	if qty.IsZero() {
		qty = decimal.NewFromInt(1)
	}
	return qty.Mul(l.UnitAmount)
}

// LedgerTransaction is a header together with its ordered lines.
type LedgerTransaction struct {
	Header TransactionHeader `json:"header"`
	Lines  []TransactionLine `json:"lines"`
}

// SortLines orders lines by line number.
func (t *LedgerTransaction) SortLines() {
	sort.SliceStable(t.Lines, func(i, j int) bool { return t.Lines[i].LineNumber < t.Lines[j].LineNumber })
}

// Clone returns a deep copy.
func (t LedgerTransaction) Clone() LedgerTransaction {
	cp := t
	cp.Header.Metadata = CloneMap(t.Header.Metadata)
	cp.Lines = make([]TransactionLine, len(t.Lines))
	for i, l := range t.Lines {
		l.Metadata = CloneMap(l.Metadata)
		cp.Lines[i] = l
	}
	return cp
}

// PostingTotals sums lines per posting side.
type PostingTotals struct {
	Debits  decimal.Decimal `json:"debits"`
	Credits decimal.Decimal `json:"credits"`
	Lines   decimal.Decimal `json:"lines"`
}

// Difference returns debits minus credits.
func (p PostingTotals) Difference() decimal.Decimal {
	return p.Debits.Sub(p.Credits)
}

// Balanced reports whether debits and credits agree within tolerance.
func (p PostingTotals) Balanced(tolerance decimal.Decimal) bool {
	return p.Difference().Abs().LessThanOrEqual(tolerance)
}

// SumLines totals line amounts overall and per posting side.
func SumLines(lines []TransactionLine) PostingTotals {
	totals := PostingTotals{Debits: decimal.Zero, Credits: decimal.Zero, Lines: decimal.Zero}
	for _, l := range lines {
		amt := l.EffectiveAmount()
		totals.Lines = totals.Lines.Add(amt)
		switch l.PostingType {
		case PostingDebit:
			totals.Debits = totals.Debits.Add(amt)
		case PostingCredit:
			totals.Credits = totals.Credits.Add(amt)
		}
	}
	return totals
}

// ComputeTotal returns the header total for lines. Financial transactions
// total their debit side; all others total their line amounts.
func ComputeTotal(lines []TransactionLine, financial bool) decimal.Decimal {
	totals := SumLines(lines)
	if financial {
		return totals.Debits
	}
	return totals.Lines
}
