package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sl4m3/ledgermind"
)

var proposeCmd = &cobra.Command{
	Use:   "propose <title>",
	Short: "Record a proposal for later acceptance",
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
		authority, _ := cmd.Flags().GetString("authority")

		id, err := store.RecordProposal(ctx, ledgermind.RecordInput{
			Title:     args[0],
			Target:    target,
			Rationale: rationale,
			Authority: ledgermind.Authority(authority),
			Actor:     actorName(cmd),
		})
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return json.NewEncoder(os.Stdout).Encode(map[string]string{"id": id})
		}
		fmt.Printf("Proposed %s\n", id)
		return nil
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept <proposal-id>",
	Short: "Accept a proposal into a new decision record",
	Long: `Accept a proposal after its review window has elapsed. A new decision
record is created; the proposal id is preserved as the first entry of the
new record's supersedes set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, ctx, cancel, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer func() { _ = store.Close() }()

		id, err := store.AcceptProposal(ctx, args[0], actorName(cmd))
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return json.NewEncoder(os.Stdout).Encode(map[string]string{"id": id, "proposal": args[0]})
		}
		fmt.Printf("Accepted %s as %s\n", args[0], id)
		return nil
	},
}

func init() {
	proposeCmd.Flags().String("target", "", "target namespace key (required)")
	proposeCmd.Flags().String("rationale", "", "why the proposal holds (required, >= 10 chars)")
	proposeCmd.Flags().String("authority", "agent", "authority class: human, admin, agent")
	_ = proposeCmd.MarkFlagRequired("target")
	_ = proposeCmd.MarkFlagRequired("rationale")
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(acceptCmd)
}
