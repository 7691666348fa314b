package cmds

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/ingestgw/pkg/config"
	"github.com/go-go-golems/ingestgw/pkg/logging"
	"github.com/go-go-golems/ingestgw/pkg/server"
)

func NewServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest gateway",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default $HOME/.ingestgw/config.yaml)")
	flags := config.AddFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		explicit := configPath != ""
		path := configPath
		if !explicit {
			path = config.DefaultPath()
		}
		cfg, err := config.Load(path, explicit, flags)
		if err != nil {
			return err
		}
		if _, err := logging.Setup(cfg.Log); err != nil {
			return err
		}
		log.Info().
			Str("component", "serve").
			Str("listen", cfg.Listen).
			Str("admin_listen", cfg.AdminListen).
			Strs("consumers", cfg.Consumers).
			Str("bridge", cfg.Bridge.Backend).
			Msg("starting ingest gateway")

		srv, err := server.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		return srv.Run(cmd.Context())
	}
	return cmd
}
