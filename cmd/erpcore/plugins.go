package main

import (
	"github.com/spf13/cobra"
)

func newPluginsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List installed plugins with their schemas, policies and rules",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			svc, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(svc, &err)
			return printJSON(cmd.OutOrStdout(), svc.RegisteredPlugins())
		},
	}
}
