package cli

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"decision-cache/internal/app/server"
	"decision-cache/internal/config"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and broker transport",
		Run:   runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().String("transport", "", "Transport kind: none, postgres or redis")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, v := loadConfig()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if kind, _ := cmd.Flags().GetString("transport"); kind != "" {
		cfg.Transport.Kind = kind
	}
	config.SetupLogging(cfg.Server.LogLevel)

	if err := server.Run(cfg, v); err != nil {
		log.Error().Err(err).Msg("server stopped")
		exitErr("serve", err)
	}
}
