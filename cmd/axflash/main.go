package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/axonmotion/axflash/pkg/config"
	"github.com/axonmotion/axflash/pkg/release"
)

var rootCmd = &cobra.Command{
	Use:   "axflash",
	Short: "axflash flashes firmware onto Axon motor controllers",
	Long: `Flashes firmware onto Axon motor controllers over USB, either from a local
ELF file or straight from a release channel. Works on devices running
application firmware as well as devices already in the STM32 ROM bootloader
(DfuSe), including boards forced there with the hardware DFU switch.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verboseLog {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	},
}

var (
	verboseLog bool
	flagSerial string
	flagServer string

	cfg = &config.Config{}
)

func main() {
	if c, err := config.Load(); err != nil {
		slog.Warn("Could not load configuration", "err", err)
	} else {
		cfg = c
	}

	flashCmd.Flags().StringVarP(&flashChannel, "channel", "c", "", "Flash the newest release on this channel instead of a local file")
	flashCmd.Flags().StringVarP(&flashVersion, "version", "V", "", "Flash this exact release (commit hash) instead of a local file")
	flashCmd.Flags().BoolVar(&flashEraseAll, "erase-all", false, "Erase all of flash, including stored configuration, not just the sectors the image touches")
	flashCmd.Flags().StringVarP(&flashBoard, "board", "b", "", "Board hardware version (e.g. 5.2.0); overrides detection, required when flashing from a release channel")
	versionsCmd.Flags().StringVarP(&versionsChannel, "channel", "c", "", "Release channel to list")
	versionsCmd.Flags().StringVarP(&versionsBoard, "board", "b", "", "Board hardware version to list releases for")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "Enable verbose debug logging")
	rootCmd.PersistentFlags().StringVarP(&flagSerial, "serial", "s", "", "Only act on the device with this serial number")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Release server base URL")
	rootCmd.AddCommand(flashCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(unlockCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}

// deviceSerial resolves the serial restriction: flag first, then the
// configuration file.
func deviceSerial() string {
	if flagSerial != "" {
		return flagSerial
	}
	return cfg.Serial
}

func serverURL() string {
	if flagServer != "" {
		return flagServer
	}
	if cfg.Server != "" {
		return cfg.Server
	}
	return release.DefaultServer
}

func defaultChannel() string {
	if cfg.Channel != "" {
		return cfg.Channel
	}
	return "master"
}
