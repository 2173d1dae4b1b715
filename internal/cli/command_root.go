package cli

import (
	"fmt"

	"github.com/picatz/doh-proxy/internal/log"
	"github.com/spf13/cobra"
)

var CommandRoot = &cobra.Command{
	Use:          "doh-proxy",
	Short:        `doh-proxy races DNS-over-HTTPS queries across upstream resolvers`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := cmd.Flags().GetString("log-level")
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}

		logger, err := log.NewZapLogger(level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}

		cmd.SetContext(log.WithLogger(cmd.Context(), logger))
		return nil
	},
}

func init() {
	CommandRoot.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error), defaults to $LOG_LEVEL or info")
}
