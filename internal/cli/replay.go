package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"siphon-rainrate/internal/app"
)

var (
	replayFile     string
	replayInterval time.Duration
	replayCSVPath  string
	replayPersist  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded rain event log through the estimator",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFile == "" {
			return errors.New("--file must be provided")
		}

		opts := app.ReplayOptions{
			File:            replayFile,
			ArchiveInterval: replayInterval,
			CSVPath:         replayCSVPath,
			Persist:         replayPersist,
		}

		_, err := getApp().Replay(cmd.Context(), opts)
		return err
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "", "Rain event log (\"<dateTime> <rain>\" lines or JSON loop packets)")
	replayCmd.Flags().DurationVar(&replayInterval, "archive-interval", 0, "Archive period length (defaults to scheduler.interval)")
	replayCmd.Flags().StringVar(&replayCSVPath, "csv", "", "Write per-packet rates to this CSV instead of stdout")
	replayCmd.Flags().BoolVar(&replayPersist, "persist", false, "Upsert the replayed archive periods into the database")
}
