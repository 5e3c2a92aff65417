package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/axonmotion/axflash/pkg/devices"
	"github.com/axonmotion/axflash/pkg/dfu"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Lift flash read protection",
	Long: `Issues the bootloader's read-unprotect command. The device mass-erases its
entire flash, configuration included, and must be re-flashed afterwards.`,
	Args: cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		disc, err := devices.New()
		if err != nil {
			return err
		}
		defer disc.Close()

		fmt.Println("Looking for a device in DFU mode...")
		fmt.Println("If this hangs, set the DFU switch to \"DFU\" and power cycle the device.")
		dev, err := disc.WaitBootloader(cmd.Context(), deviceSerial())
		if err != nil {
			return err
		}
		defer dev.Close()

		tr := dfu.New(dev, dfu.WithInterface(uint16(dev.InterfaceNumber())))
		if err := tr.ClearStatus(); err != nil {
			return err
		}
		fmt.Println("Unlocking device (this may take a few seconds)...")
		if err := tr.Unprotect(); err != nil {
			return err
		}
		fmt.Println("done")
		fmt.Println()
		fmt.Println("Now do the following:")
		fmt.Println(" 1. Set the DFU switch to \"DFU\"")
		fmt.Println(" 2. Power cycle the device")
		fmt.Println(" 3. Run \"axflash flash\" to install firmware")
		fmt.Println(" 4. Set the DFU switch back to \"RUN\"")
		return nil
	},
}
