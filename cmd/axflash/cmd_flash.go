package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/axonmotion/axflash/pkg/devices"
	"github.com/axonmotion/axflash/pkg/firmware"
	"github.com/axonmotion/axflash/pkg/hwver"
	"github.com/axonmotion/axflash/pkg/release"
	"github.com/axonmotion/axflash/pkg/update"
)

var (
	flashChannel  string
	flashVersion  string
	flashEraseAll bool
	flashBoard    string
)

var flashCmd = &cobra.Command{
	Use:   "flash [firmware.elf]",
	Short: "Flash firmware onto a device",
	Long: `Flashes a firmware image onto a device. With a file argument the given ELF
image is flashed; with --channel or --version the image is downloaded from the
release server first. Downloads need --board to pick the right build.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var board hwver.Version
		if flashBoard != "" {
			var err error
			if board, err = hwver.FromString(flashBoard); err != nil {
				return err
			}
		}

		raw, err := firmwareBytes(args, board)
		if err != nil {
			return err
		}
		img, err := firmware.Parse(raw)
		if err != nil {
			return err
		}
		if m := img.Manifest; m != nil {
			fmt.Printf("Firmware %s for %s (build %s)\n", m.FwVersionString(), m.HardwareVersion().DisplayName(), m.BuildID()[:8])
		}

		disc, err := devices.New()
		if err != nil {
			return err
		}
		defer disc.Close()

		s := update.New(disc, img, raw, update.Options{
			Serial:         deviceSerial(),
			EraseAll:       flashEraseAll,
			Progress:       printProgress,
			Board:          board,
			ChooseHardware: chooseHardware,
		})
		if err := s.Run(cmd.Context()); err != nil {
			fmt.Println()
			return err
		}
		fmt.Println("\nDone.")
		return nil
	},
}

// firmwareBytes loads the image from the path argument, or resolves
// and downloads it from the release server.
func firmwareBytes(args []string, board hwver.Version) ([]byte, error) {
	if len(args) == 1 {
		if flashChannel != "" || flashVersion != "" {
			return nil, fmt.Errorf("pass either a firmware file or --channel/--version, not both")
		}
		return os.ReadFile(args[0])
	}
	if flashChannel != "" && flashVersion != "" {
		return nil, fmt.Errorf("pass either --channel or --version, not both")
	}
	if board.IsZero() {
		return nil, fmt.Errorf("flashing from the release server needs --board")
	}

	ix, err := release.GetIndex(serverURL(), release.ReleaseTypeFirmware)
	if err != nil {
		return nil, err
	}
	var m *release.Manifest
	if flashVersion != "" {
		m, err = ix.GetVersion(flashVersion, board)
	} else {
		channel := flashChannel
		if channel == "" {
			channel = defaultChannel()
		}
		m, err = ix.GetLatest(channel, board)
	}
	if err != nil {
		return nil, err
	}
	fmt.Printf("Release %s (%s)\n", release.NormalizeVersion(m.CommitHash), m.ReleaseDate)
	return release.Fetch(m)
}

// printProgress renders step updates on one redrawn terminal line per
// stage.
var progressStarted bool

func printProgress(newGroup bool, action string, index, total int) {
	if newGroup && progressStarted {
		fmt.Println()
	}
	progressStarted = true
	fmt.Printf("\r%-40s", action)
}

// chooseHardware prompts for a board version when the device cannot
// report one.
func chooseHardware(choices []hwver.Version) (int, error) {
	fmt.Println("The device did not report a hardware version. Which board is this?")
	for i, v := range choices {
		fmt.Printf("  [%d] %s (%s)\n", i+1, v.DisplayName(), v)
	}
	fmt.Print("Choice: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(choices) {
		return 0, fmt.Errorf("invalid choice")
	}
	return n - 1, nil
}
