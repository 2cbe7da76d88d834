package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sl4m3/ledgermind"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Append an episodic event",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, ctx, cancel, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer func() { _ = store.Close() }()

		prompt, _ := cmd.Flags().GetString("prompt")
		response, _ := cmd.Flags().GetString("response")
		success, _ := cmd.Flags().GetBool("success")
		targets, _ := cmd.Flags().GetStringSlice("target")

		id, err := store.AddEvent(ctx, &ledgermind.Event{
			Prompt:        prompt,
			Response:      response,
			Success:       success,
			LinkedTargets: targets,
		})
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return json.NewEncoder(os.Stdout).Encode(map[string]string{"id": id})
		}
		fmt.Printf("Event %s\n", id)
		return nil
	},
}

var linkCmd = &cobra.Command{
	Use:   "link <event-id> <target>",
	Short: "Link an event as evidence for a target's active decision",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, ctx, cancel, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer func() { _ = store.Close() }()

		if err := store.LinkEvidence(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Linked %s -> %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	eventCmd.Flags().String("prompt", "", "event prompt")
	eventCmd.Flags().String("response", "", "event response")
	eventCmd.Flags().Bool("success", false, "whether the event succeeded")
	eventCmd.Flags().StringSlice("target", nil, "targets this event concerns (repeatable)")
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(linkCmd)
}
