// Command tinyctl is the operator-facing CLI over the supervisor facade:
// load, start, stop, status and delete a container bundle against a
// freshly-assembled in-process Supervisor, mirroring the single-process,
// single-device nature of the system this wraps — there is no cluster,
// no daemon and no persisted state across invocations, only the library
// calls a boot sequence would make.
//
// Grounded on the teacher's cmd/warren/main.go: a package-level rootCmd,
// persistent flags for logging and the runtime's configuration surface,
// cobra.OnInitialize wiring logging before any subcommand runs, and one
// file per command group.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinycontainer/supervisor/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tinyctl",
	Short: "tinyctl drives a tinycontainer supervisor from the command line",
	Long: `tinyctl loads, starts, stops, inspects and deletes containers on a
constrained-device supervisor: one slot table, one capability verifier,
one lifecycle controller and one worker scheduler, wired together fresh
for every invocation.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.PersistentFlags().Int("max-slots", 3, "Maximum number of loaded containers (MAX_SLOTS)")
	rootCmd.PersistentFlags().Int("max-fds", 10, "Maximum open fds per container (MAX_FDS; accepted but not enforced)")
	rootCmd.PersistentFlags().Int("meta-max", 512, "Maximum metadata section size in bytes (META_MAX)")
	rootCmd.PersistentFlags().Int("code-data-max", 1024, "Maximum code/data section size in bytes (CODE_DATA_MAX)")
	rootCmd.PersistentFlags().Int("io-buf", 256, "I/O buffer size in bytes (IO_BUF; accepted but not enforced)")
	rootCmd.PersistentFlags().Int("max-handles-per-engine", 3, "Maximum open fds per guest engine instance (accepted but not enforced)")
	rootCmd.PersistentFlags().Duration("mailbox-timeout", 0, "Mailbox lock watchdog timeout (0 uses the built-in default)")
	rootCmd.PersistentFlags().Duration("io-timeout", 0, "Per-syscall I/O deadline (0 uses the built-in default)")

	rootCmd.PersistentFlags().String("identity-key", "", "Path to the device identity public key (hex-encoded Ed25519, 32 bytes)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
