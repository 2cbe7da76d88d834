// Command lm is a thin maintenance CLI over the ledgermind library.
// It consumes the public API only; the core never depends on it.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sl4m3/ledgermind"
	"github.com/sl4m3/ledgermind/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "lm",
	Short:         "Agent memory store: record, supersede, and search decisions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rootCmd.PersistentFlags().String("store", "", "storage path (default .ledgermind in the current directory)")
	rootCmd.PersistentFlags().String("actor", "", "actor recorded in the access trail")
	rootCmd.PersistentFlags().Bool("json", false, "machine-readable output")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// storagePath resolves the store root: --store flag, LM_STORE, else
// ./.ledgermind.
func storagePath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("store"); p != "" {
		return p
	}
	if p := config.GetString("store"); p != "" {
		return p
	}
	return ".ledgermind"
}

// actorName resolves the audit actor: --actor flag, LM_ACTOR, else
// "unknown".
func actorName(cmd *cobra.Command) string {
	if a, _ := cmd.Flags().GetString("actor"); a != "" {
		return a
	}
	if a := config.GetString("actor"); a != "" {
		return a
	}
	return "unknown"
}

// openStore assembles the store from configuration. The CLI always uses
// the offline provider unless an embedding service is configured.
func openStore(cmd *cobra.Command) (*ledgermind.Store, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout())

	provider := ledgermind.NewMockProvider(64)
	if url := config.GetString("embed.url"); url != "" {
		provider = ledgermind.NewHTTPProvider(url, config.GetString("embed.token"), config.GetInt("embed.dim"))
	}

	store, err := ledgermind.Open(ctx, ledgermind.Options{
		StoragePath:        storagePath(cmd),
		Provider:           provider,
		ReviewWindow:       time.Duration(config.GetInt("review_window_seconds")) * time.Second,
		MinEvidence:        config.GetInt("min_evidence"),
		MaxResolutionDepth: config.GetInt("max_resolution_depth"),
		RelevanceThreshold: config.GetFloat("relevance_threshold"),
		RetentionTurns:     config.GetInt("retention_turns"),
		Cooldown:           time.Duration(config.GetInt("cooldown_seconds")) * time.Second,
		ANNTailFraction:    config.GetFloat("ann_tail_fraction"),
	})
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return store, ctx, cancel, nil
}

func lockTimeout() time.Duration {
	if d := config.GetDuration("lock-timeout"); d > 0 {
		return d
	}
	return 30 * time.Second
}
