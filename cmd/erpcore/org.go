package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"erpcore/pkg/domain"
)

func newOrgCmd(a *app) *cobra.Command {
	org := &cobra.Command{
		Use:   "org",
		Short: "Create and list organizations",
	}

	var name, code string
	var suspended bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an organization and print its id",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			svc, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(svc, &err)
			in := domain.Organization{Name: name, Code: code}
			if suspended {
				in.Status = domain.OrganizationSuspended
			}
			created, _, err := svc.CreateOrganization(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "organization name")
	create.Flags().StringVar(&code, "code", "", "organization code")
	create.Flags().BoolVar(&suspended, "suspended", false, "create the organization suspended")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			svc, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(svc, &err)
			orgs, err := svc.ListOrganizations(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCODE\tSTATUS")
			for _, o := range orgs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.ID, o.Name, o.Code, o.Status)
			}
			return w.Flush()
		},
	}

	org.AddCommand(create, list)
	return org
}
