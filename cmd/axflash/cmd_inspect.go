package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/axonmotion/axflash/pkg/firmware"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect firmware.elf",
	Short: "Show what a firmware image contains",
	Long:  "Parses a firmware image and prints its flash sections, reset address and release manifest without touching any device.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := firmware.Load(args[0])
		if err != nil {
			return err
		}

		fmt.Println("Sections:")
		var total int
		for _, sec := range img.Sections {
			fmt.Printf("  %-20s %08X..%08X  %7d bytes\n", sec.Name, sec.Addr, sec.End()-1, len(sec.Data))
			total += len(sec.Data)
		}
		fmt.Printf("  %d bytes total\n", total)
		fmt.Printf("Reset address: %08X\n", img.ResetAddress)

		if m := img.Manifest; m != nil {
			fmt.Printf("Firmware version: %s\n", m.FwVersionString())
			fmt.Printf("Hardware: %s (%s)\n", m.HardwareVersion().DisplayName(), m.HardwareVersion())
			fmt.Printf("Build: %s\n", m.BuildID())
		} else {
			fmt.Println("No release manifest.")
		}
		return nil
	},
}
