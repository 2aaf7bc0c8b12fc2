package receiver

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/beamdrop/internal/app"
	"github.com/sheerbytes/beamdrop/internal/config"
	"github.com/sheerbytes/beamdrop/internal/logging"
)

// NewCommand returns `beam recv`.
func NewCommand() *cobra.Command {
	cfg, envErr := config.LoadClient()

	cmd := &cobra.Command{
		Use:     "recv <join-code>",
		Aliases: []string{"receive"},
		Short:   "Receive files from the peer that created a room",
		Example: "  beam recv K7M2QX9P\n  beam recv K7M2QX9P -o ~/Downloads",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := logging.New("beam-recv", cfg.LogLevel)
			res, err := app.RunReceiver(cmd.Context(), logger, app.ReceiverConfig{
				Client:   cfg,
				JoinCode: args[0],
				Out:      cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "done: %d file(s), %d bytes into %s\n", len(res.Paths), res.Bytes, cfg.OutputDir)
			if n := len(res.Failures); n > 0 {
				return fmt.Errorf("%d transfer(s) failed", n)
			}
			return nil
		},
	}
	cfg.BindFlags(cmd.Flags())
	// The transport is chosen by the sender.
	_ = cmd.Flags().MarkHidden("transport")
	return cmd
}
