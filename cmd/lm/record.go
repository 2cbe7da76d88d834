package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sl4m3/ledgermind"
)

var recordCmd = &cobra.Command{
	Use:   "record <title>",
	Short: "Record a new active decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, ctx, cancel, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer func() { _ = store.Close() }()

		target, _ := cmd.Flags().GetString("target")
		rationale, _ := cmd.Flags().GetString("rationale")
		consequences, _ := cmd.Flags().GetStringSlice("consequence")
		authority, _ := cmd.Flags().GetString("authority")

		id, err := store.RecordDecision(ctx, ledgermind.RecordInput{
			Title:        args[0],
			Target:       target,
			Rationale:    rationale,
			Consequences: consequences,
			Authority:    ledgermind.Authority(authority),
			Actor:        actorName(cmd),
		})
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return json.NewEncoder(os.Stdout).Encode(map[string]string{"id": id})
		}
		fmt.Printf("Recorded %s\n", id)
		return nil
	},
}

func init() {
	recordCmd.Flags().String("target", "", "target namespace key (required)")
	recordCmd.Flags().String("rationale", "", "why this decision holds (required, >= 10 chars)")
	recordCmd.Flags().StringSlice("consequence", nil, "consequence of the decision (repeatable)")
	recordCmd.Flags().String("authority", "agent", "authority class: human, admin, agent")
	_ = recordCmd.MarkFlagRequired("target")
	_ = recordCmd.MarkFlagRequired("rationale")
	rootCmd.AddCommand(recordCmd)
}
