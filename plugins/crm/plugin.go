// Package crm is the customer relationship module: CUSTOMER, PRODUCT and
// STAFF schemas, membership and assignment policies, and a credit exposure
// check on sales.
package crm

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"erpcore/internal/core"
)

// CodeCreditLimit flags a sale that takes a customer past its credit limit.
const CodeCreditLimit = "CRM-CREDIT-LIMIT"

// SaleType is the transaction type the credit check applies to.
const SaleType = "sale"

//go:embed schemas.yaml
var definitions []byte

type policyDef struct {
	Type         string `yaml:"relationship_type"`
	SingleValued bool   `yaml:"single_valued"`
	OnDuplicate  string `yaml:"on_duplicate"`
}

type document struct {
	Schemas  []core.EntitySchema `yaml:"schemas"`
	Policies []policyDef         `yaml:"relationship_policies"`
}

// Plugin implements core.Plugin.
type Plugin struct{}

// New constructs the plugin.
func New() Plugin { return Plugin{} }

func (Plugin) Name() string    { return "crm" }
func (Plugin) Version() string { return "1.0.0" }

// Register installs the embedded schemas and policies and the credit rule.
func (Plugin) Register(registry *core.PluginRegistry) error {
	var doc document
	if err := yaml.Unmarshal(definitions, &doc); err != nil {
		return errors.Wrap(err, "decode crm definitions")
	}
	for _, schema := range doc.Schemas {
		if err := registry.RegisterSchema(schema); err != nil {
			return err
		}
	}
	for _, p := range doc.Policies {
		policy := core.RelationshipPolicy{
			Type:         p.Type,
			SingleValued: p.SingleValued,
			OnDuplicate:  core.DuplicatePolicy(p.OnDuplicate),
		}
		if err := registry.RegisterRelationshipPolicy(policy); err != nil {
			return err
		}
	}
	registry.RegisterRule(creditLimitRule{})
	return nil
}

// creditLimitRule warns when the open sales of a customer exceed the
// customer's credit_limit attribute. Customers without a limit are skipped.
type creditLimitRule struct{}

func (creditLimitRule) Name() string { return "crm_credit_limit" }

func (creditLimitRule) Evaluate(_ context.Context, view core.RuleView, changes []core.Change) (core.Result, error) {
	var res core.Result
	checked := map[string]bool{}
	for _, c := range changes {
		if c.Record != core.RecordTransaction || c.Action != core.ActionCreate {
			continue
		}
		txn, ok := c.After.(core.LedgerTransaction)
		if !ok || txn.Header.TransactionType != SaleType || txn.Header.TargetEntityID == "" || txn.Header.ReversalOf != "" {
			continue
		}
		orgID, customerID := txn.Header.OrganizationID, txn.Header.TargetEntityID
		if checked[customerID] {
			continue
		}
		checked[customerID] = true

		limit, ok, err := creditLimit(view, orgID, customerID)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		exposure, err := openSales(view, orgID, customerID)
		if err != nil {
			return res, err
		}
		if exposure.GreaterThan(limit) {
			res.Add(core.Violation{
				Code:     CodeCreditLimit,
				Severity: core.SeverityWarn,
				Message:  fmt.Sprintf("open sales %s exceed credit limit %s", exposure, limit),
				Field:    "target_entity_id",
				Record:   core.RecordTransaction,
				RecordID: txn.Header.ID,
			})
		}
	}
	return res, nil
}

func creditLimit(view core.RuleView, orgID, customerID string) (decimal.Decimal, bool, error) {
	customer, ok, err := view.FindEntity(orgID, customerID)
	if err != nil || !ok || customer.EntityType != "CUSTOMER" {
		return decimal.Zero, false, err
	}
	attrs, err := view.ListAttributes(orgID, customerID)
	if err != nil {
		return decimal.Zero, false, err
	}
	for _, a := range attrs {
		if a.FieldName != "credit_limit" {
			continue
		}
		limit, ok := a.Value.Number()
		return limit, ok, nil
	}
	return decimal.Zero, false, nil
}

// openSales totals draft and posted sales billed to the customer. Reversal
// documents are skipped; the reversed original no longer counts.
func openSales(view core.RuleView, orgID, customerID string) (decimal.Decimal, error) {
	total := decimal.Zero
	headers, err := view.ListTransactions(orgID, core.TransactionFilter{TransactionType: SaleType, EntityID: customerID})
	if err != nil {
		return total, err
	}
	for _, h := range headers {
		if h.TargetEntityID != customerID || h.ReversalOf != "" {
			continue
		}
		switch h.Status {
		case core.TransactionDraft, core.TransactionPosted:
			total = total.Add(h.TotalAmount)
		}
	}
	return total, nil
}
