package main

import (
	"github.com/spf13/cobra"

	"erpcore/internal/blob"
	"erpcore/internal/export"
	"erpcore/internal/logger"
)

func newExportCmd(a *app) *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an organization snapshot to blob storage",
		Long: `Write entities, attributes, relationships and transactions of one
organization as JSON lines, plus a manifest, under
<blob.prefix>/<org>/<timestamp>/ in the configured blob store.`,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			blobs, err := blob.Open(cmd.Context(), a.cfg.Blob)
			if err != nil {
				return err
			}
			svc, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(svc, &err)
			exp := export.New(svc.Store(), blobs,
				export.WithPrefix(a.cfg.Blob.Prefix),
				export.WithLogger(logger.NewAdapter(a.log)))
			m, err := exp.Run(cmd.Context(), orgID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
