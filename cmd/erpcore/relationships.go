package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"erpcore/internal/core"
)

func newRelationshipsCmd(a *app) *cobra.Command {
	rel := &cobra.Command{
		Use:   "relationships",
		Short: "Maintain relationship lifecycles",
	}
	var orgID string
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Persist the expiry of relationships whose expiration date has passed",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			svc, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(svc, &err)
			if orgID != "" {
				n, err := svc.SweepExpired(cmd.Context(), core.Scope{OrganizationID: orgID})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d expired\n", orgID, n)
				return nil
			}
			counts, err := svc.SweepAllExpired(cmd.Context())
			if err != nil {
				return err
			}
			orgs := make([]string, 0, len(counts))
			for id := range counts {
				orgs = append(orgs, id)
			}
			sort.Strings(orgs)
			for _, id := range orgs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d expired\n", id, counts[id])
			}
			return nil
		},
	}
	sweep.Flags().StringVar(&orgID, "org", "", "sweep one organization (default: all active organizations)")
	rel.AddCommand(sweep)
	return rel
}
