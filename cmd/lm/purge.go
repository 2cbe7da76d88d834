package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sl4m3/ledgermind"
)

var purgeCmd = &cobra.Command{
	Use:   "purge <record-id>",
	Short: "Hard-delete a record",
	Long: `Remove a record from the index, tombstone its vector, and append a
purge commit to the log. Agent authority may not purge.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, ctx, cancel, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer func() { _ = store.Close() }()

		authority, _ := cmd.Flags().GetString("authority")
		if err := store.Purge(ctx, args[0], ledgermind.Authority(authority), actorName(cmd)); err != nil {
			return err
		}
		fmt.Printf("Purged %s\n", args[0])
		return nil
	},
}

var demoteCmd = &cobra.Command{
	Use:   "demote <record-id>",
	Short: "Deprecate a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, ctx, cancel, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer func() { _ = store.Close() }()

		if err := store.Demote(ctx, args[0], ledgermind.DemoteAPI, actorName(cmd)); err != nil {
			return err
		}
		fmt.Printf("Deprecated %s\n", args[0])
		return nil
	},
}

func init() {
	purgeCmd.Flags().String("authority", "admin", "authority class performing the purge")
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(demoteCmd)
}
