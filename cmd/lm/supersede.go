package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sl4m3/ledgermind"
)

var supersedeCmd = &cobra.Command{
	Use:   "supersede <title>",
	Short: "Replace existing decisions with a new one",
	Long: `Record a new active decision that supersedes the records named by
--old. The old records flip to superseded and the supersession edges are
written in the same transaction; resolving any old id afterwards yields
the new record.`,
	Args: cobra.ExactArgs(1),
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
		oldIDs, _ := cmd.Flags().GetStringSlice("old")

		id, err := store.SupersedeDecision(ctx, ledgermind.SupersedeInput{
			RecordInput: ledgermind.RecordInput{
				Title:        args[0],
				Target:       target,
				Rationale:    rationale,
				Consequences: consequences,
				Authority:    ledgermind.Authority(authority),
				Actor:        actorName(cmd),
			},
			OldIDs: oldIDs,
		})
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return json.NewEncoder(os.Stdout).Encode(map[string]any{"id": id, "supersedes": oldIDs})
		}
		fmt.Printf("Recorded %s superseding %v\n", id, oldIDs)
		return nil
	},
}

func init() {
	supersedeCmd.Flags().String("target", "", "target namespace key (required)")
	supersedeCmd.Flags().String("rationale", "", "why the replacement holds (required, >= 15 chars)")
	supersedeCmd.Flags().StringSlice("consequence", nil, "consequence of the decision (repeatable)")
	supersedeCmd.Flags().String("authority", "agent", "authority class: human, admin, agent")
	supersedeCmd.Flags().StringSlice("old", nil, "record ids being superseded (required)")
	_ = supersedeCmd.MarkFlagRequired("target")
	_ = supersedeCmd.MarkFlagRequired("rationale")
	_ = supersedeCmd.MarkFlagRequired("old")
	rootCmd.AddCommand(supersedeCmd)
}
