package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"erpcore/internal/config"
	"erpcore/internal/core"
	"erpcore/internal/logger"
	"erpcore/plugins/crm"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath     string
	listenOverride string
	cfg            *config.Config
	log            zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{log: zerolog.Nop()}
	root := &cobra.Command{
		Use:           "erpcore",
		Short:         "Multi-tenant ERP data engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := logger.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file (or ERPCORE_CONFIG)")

	root.AddCommand(
		newServeCmd(a),
		newDBCmd(a),
		newOrgCmd(a),
		newResolveCmd(a),
		newRelationshipsCmd(a),
		newExportCmd(a),
		newConfigCmd(a),
		newPluginsCmd(a),
	)
	return root
}

// openService builds the engine with the crm module installed. Callers close
// the returned store.
func (a *app) openService(ctx context.Context, opts ...core.Option) (*core.Service, error) {
	opts = append([]core.Option{core.WithLogger(logger.NewAdapter(a.log))}, opts...)
	svc, err := core.NewFromConfig(ctx, a.cfg, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := svc.InstallPlugin(crm.New()); err != nil {
		_ = svc.Store().Close()
		return nil, err
	}
	return svc, nil
}

func closeStore(svc *core.Service, err *error) {
	if cerr := svc.Store().Close(); cerr != nil && *err == nil {
		*err = errors.Wrap(cerr, "close store")
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
