package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// initConfig is the scaffold written by lm init. Keys mirror the store
// options; everything is optional.
type initConfig struct {
	ReviewWindowSeconds int     `yaml:"review_window_seconds"`
	MinEvidence         int     `yaml:"min_evidence"`
	MaxResolutionDepth  int     `yaml:"max_resolution_depth"`
	RelevanceThreshold  float64 `yaml:"relevance_threshold"`
	RetentionTurns      int     `yaml:"retention_turns"`
	CooldownSeconds     int     `yaml:"cooldown_seconds"`
	ANNTailFraction     float64 `yaml:"ann_tail_fraction"`
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the store directory and a config scaffold",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := storagePath(cmd)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}

		configPath := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Store already initialized at %s\n", dir)
			return nil
		}

		data, err := yaml.Marshal(&initConfig{
			ReviewWindowSeconds: 3600,
			MinEvidence:         1,
			MaxResolutionDepth:  32,
			RelevanceThreshold:  0.7,
			RetentionTurns:      10,
			CooldownSeconds:     2,
			ANNTailFraction:     0.05,
		})
		if err != nil {
			return fmt.Errorf("failed to render config scaffold: %w", err)
		}
		if err := os.WriteFile(configPath, data, 0644); err != nil { // nolint:gosec // shared project state
			return fmt.Errorf("failed to write config scaffold: %w", err)
		}

		// Opening once lays down the databases and log directories.
		store, _, cancel, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		if err := store.Close(); err != nil {
			return err
		}

		fmt.Printf("Initialized store at %s\n", dir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
