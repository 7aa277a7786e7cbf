package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	renderPage string
	renderName string
	renderOut  string
)

var renderCmd = &cobra.Command{
	Use:   "render <trace>",
	Short: "Render one DOM snapshot of a trace as HTML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openTrace(cmd.Context(), args[0], nil)
		if err != nil {
			return err
		}
		defer closeTrace(m)

		r, ok := m.Storage().SnapshotByName(renderPage, renderName)
		if !ok {
			return fmt.Errorf("no snapshot %q for %s in %s", renderName, renderPage, args[0])
		}
		html := r.Render().HTML

		if renderOut == "" {
			_, err = fmt.Fprint(cmd.OutOrStdout(), html)
			return err
		}
		if err := os.WriteFile(renderOut, []byte(html), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", renderOut, err)
		}
		cmd.Printf("Wrote %s\n", renderOut)
		return nil
	},
}

func init() {
	renderCmd.Flags().StringVar(&renderPage, "page", "", "page or frame id owning the snapshot")
	renderCmd.Flags().StringVar(&renderName, "name", "", "snapshot name, e.g. after@call@1")
	renderCmd.Flags().StringVarP(&renderOut, "out", "o", "", "write the HTML to a file instead of stdout")
	_ = renderCmd.MarkFlagRequired("page")
	_ = renderCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(renderCmd)
}
