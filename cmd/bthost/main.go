// bthost runs a Bluetooth Classic host stack over virtual ACL links.
//
// Two bthost processes talk to each other over TCP instead of a radio. A
// serving stack listens for links, advertises itself with DNS-SD and offers
// an RFCOMM echo service and an AVRCP target. The connect and play commands
// reach a serving stack by its Bluetooth device address.
//
// Usage:
//
//	bthost serve --addr 00:1B:DC:00:00:01 --name "Speaker"
//	bthost connect 00:1B:DC:00:00:01
//	bthost play 00:1B:DC:00:00:01 pause
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds a 'v' prefix if the version starts with a digit.
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "bthost",
	Short: "Bluetooth host stack over virtual links",
	Long: `bthost runs a Bluetooth Classic host stack (L2CAP, RFCOMM, AVRCP) whose
ACL links are carried over TCP instead of a radio.

- serve:   accept links, advertise over DNS-SD, echo RFCOMM data, act as AVRCP target
- connect: open an RFCOMM channel to a peer and send lines from stdin
- play:    send an AVRCP pass-through command and show what is playing`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit.
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(versionCmd)

	addGlobalFlags(rootCmd)

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
