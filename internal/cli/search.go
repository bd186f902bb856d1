package cli

import (
	"fmt"
	"strings"

	"github.com/harun/docsync/pkg/ingest"
	"github.com/spf13/cobra"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search ingested documents by similarity",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "maximum number of results")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	matches, err := env.c.Ingest.Search(cmd.Context(), strings.Join(args, " "), searchLimit)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No matches.")
		return nil
	}

	for i, m := range matches {
		source, _ := m.Payload.Metadata[ingest.MetaOriginalFilename].(string)
		if source == "" {
			source = "(text)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d. %.4f  %s  %s\n", i+1, m.Score, m.ID, source)
		fmt.Fprintf(cmd.OutOrStdout(), "   %s\n", preview(m.Payload.Text, 160))
	}
	return nil
}

// preview collapses whitespace and cuts text to at most n runes
func preview(text string, n int) string {
	runes := []rune(strings.Join(strings.Fields(text), " "))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n]) + "..."
}
