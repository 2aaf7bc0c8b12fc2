package sender

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/beamdrop/internal/app"
	"github.com/sheerbytes/beamdrop/internal/config"
	"github.com/sheerbytes/beamdrop/internal/logging"
)

// NewCommand returns `beam send`. Settings come from BEAM_* variables and
// are overridden by flags.
func NewCommand() *cobra.Command {
	cfg, envErr := config.LoadClient()
	var joinCode string

	cmd := &cobra.Command{
		Use:   "send <path>...",
		Short: "Send files to one peer",
		Long: "Creates a room on the signaling server, prints its join code and sends\n" +
			"each file once the receiver has joined.",
		Example: "  beam send report.pdf\n  beam send --transport quic a.bin b.bin\n  beam send --join K7M2QX9P notes.txt",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := logging.New("beam-send", cfg.LogLevel)
			res, err := app.RunSender(cmd.Context(), logger, app.SenderConfig{
				Client:   cfg,
				Paths:    args,
				JoinCode: joinCode,
				Out:      cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "done: %d file(s), %d bytes\n", res.Files, res.Bytes)
			return nil
		},
	}
	cfg.BindFlags(cmd.Flags())
	_ = cmd.Flags().MarkHidden("output")
	cmd.Flags().StringVar(&joinCode, "join", "", "join an existing room instead of creating one")
	return cmd
}
