package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/traceview/internal/history"
)

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recently opened traces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := history.NewStore()
		if err != nil {
			return err
		}

		entries, err := store.List()
		if err != nil {
			if errors.Is(err, history.ErrNoHistory) {
				cmd.Println("no recent traces")
				return nil
			}
			return err
		}

		for _, e := range entries {
			title := e.Title
			if title == "" {
				title = "(untitled)"
			}
			cmd.Printf("%s  %s\n", e.OpenedAt.Local().Format(time.DateTime), e.TraceURL)
			cmd.Printf("    %s, %d contexts, %d actions\n", title, e.Contexts, e.Actions)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recentCmd)
}
