package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/axonmotion/axflash/pkg/hwver"
	"github.com/axonmotion/axflash/pkg/release"
)

var (
	versionsChannel string
	versionsBoard   string
)

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List release channels and versions",
	Long:  "Lists the open channels on the release server, or, with --board, the versions available on a channel for that board.",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		ix, err := release.GetIndex(serverURL(), release.ReleaseTypeFirmware)
		if err != nil {
			return err
		}

		if versionsBoard == "" {
			fmt.Println("Channels:")
			for _, ch := range ix.Channels() {
				fmt.Printf("  %s\n", ch)
			}
			fmt.Println("Pass --board to list the versions on a channel.")
			return nil
		}

		board, err := hwver.FromString(versionsBoard)
		if err != nil {
			return err
		}
		channel := versionsChannel
		if channel == "" {
			channel = defaultChannel()
		}
		versions, err := ix.ChannelVersions(channel, board)
		if err != nil {
			return err
		}
		fmt.Printf("Versions on %s for %s (newest first):\n", channel, board)
		for _, v := range versions {
			fmt.Printf("  %s\n", release.NormalizeVersion(v))
		}
		return nil
	},
}
