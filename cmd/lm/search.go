package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sl4m3/ledgermind"
)

var (
	idStyle     = lipgloss.NewStyle().Bold(true)
	targetStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	staleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search decisions by similarity",
	Long: `Search decisions, blending vector similarity with status, authority,
phase, vitality, and age.

Modes:
  strict    only active records
  balanced  everything, deduped to the best record per target (default)
  audit     everything, no dedup`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, ctx, cancel, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer func() { _ = store.Close() }()

		limit, _ := cmd.Flags().GetInt("limit")
		mode, _ := cmd.Flags().GetString("mode")

		results, err := store.SearchDecisions(ctx, args[0], limit, ledgermind.SearchMode(mode))
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return json.NewEncoder(os.Stdout).Encode(results)
		}

		if len(results) == 0 {
			fmt.Println("No matching decisions.")
			return nil
		}
		styled := term.IsTerminal(int(os.Stdout.Fd())) && termenv.EnvColorProfile() != termenv.Ascii
		for _, r := range results {
			printResult(r, styled)
		}
		return nil
	},
}

func printResult(r ledgermind.SearchResult, styled bool) {
	id, target, meta := r.ID, "["+r.Target+"]", fmt.Sprintf("(%s, %.2f)", r.Status, r.Score)
	if styled {
		id = idStyle.Render(id)
		target = targetStyle.Render(target)
		if r.Status == ledgermind.StatusSuperseded || r.Status == ledgermind.StatusDeprecated {
			meta = staleStyle.Render(meta)
		} else {
			meta = dimStyle.Render(meta)
		}
	}
	fmt.Printf("%s %s %s %s\n", id, target, r.Title, meta)
	if r.SupersededBy != "" {
		note := "  superseded by " + r.SupersededBy
		if styled {
			note = dimStyle.Render(note)
		}
		fmt.Println(note)
	}
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum results")
	searchCmd.Flags().String("mode", "balanced", "search mode: strict, balanced, audit")
	rootCmd.AddCommand(searchCmd)
}
