package main

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"erpcore/internal/core"
	"erpcore/pkg/domain"
)

type resolveOutput struct {
	EntityID string             `json:"entity_id"`
	Created  bool               `json:"created"`
	Warnings []domain.Violation `json:"warnings,omitempty"`
}

func newResolveCmd(a *app) *cobra.Command {
	var (
		orgID, entityType, name, taxonomy string
		seed                              []string
	)
	cmd := &cobra.Command{
		Use:     "resolve",
		Short:   "Resolve a name to exactly one live entity, creating it if absent",
		Example: `  erpcore resolve --org $ORG --type CUSTOMER --name "Jane Doe" --seed tier=gold --seed credit_limit=500`,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			attrs, err := parseSeed(seed)
			if err != nil {
				return err
			}
			svc, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(svc, &err)
			id, created, res, err := svc.ResolveOrCreate(cmd.Context(), core.Scope{OrganizationID: orgID}, core.ResolveInput{
				EntityType:   entityType,
				DisplayName:  name,
				TaxonomyCode: taxonomy,
				Seed:         attrs,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resolveOutput{EntityID: id, Created: created, Warnings: res.Warnings()})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVar(&entityType, "type", "", "entity type")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&taxonomy, "taxonomy", "", "taxonomy code for a created entity (derived from the type when empty)")
	cmd.Flags().StringArrayVar(&seed, "seed", nil, "field=value attribute seeded on creation; values are parsed as JSON when possible")
	for _, f := range []string{"org", "type", "name"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

// parseSeed turns field=value pairs into attributes. A value that is not
// valid JSON is taken as text.
func parseSeed(pairs []string) ([]domain.Attribute, error) {
	out := make([]domain.Attribute, 0, len(pairs))
	for _, pair := range pairs {
		field, raw, ok := strings.Cut(pair, "=")
		if !ok || field == "" {
			return nil, errors.WithHint(errors.Newf("invalid seed %q", pair), "use field=value")
		}
		v, err := domain.ParseValue("", json.RawMessage(raw))
		if err != nil {
			v = domain.TextValue(raw)
		}
		out = append(out, domain.Attribute{FieldName: field, Value: v})
	}
	return out, nil
}
