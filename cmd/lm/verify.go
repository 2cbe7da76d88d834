package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Reconcile the index against the log and re-validate invariants",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, ctx, cancel, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer func() { _ = store.Close() }()

		report, err := store.Verify(ctx)
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return json.NewEncoder(os.Stdout).Encode(report)
		}

		fmt.Printf("Sync: %d inserted, %d updated, %d removed, %d unchanged\n",
			report.Sync.Inserted, report.Sync.Updated, report.Sync.Removed, report.Sync.Skipped)
		if report.Clean() {
			fmt.Println("All invariants hold.")
			return nil
		}
		for _, p := range report.Problems {
			fmt.Fprintf(os.Stderr, "  %s\n", p)
		}
		return fmt.Errorf("%d invariant violations", len(report.Problems))
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
