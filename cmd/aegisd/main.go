// Command aegisd is an example binary wiring the coordination core's
// transport, registry, election, and messaging packages into one running
// service behind a Cobra CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/aegis/pkg/aegislog"
)

const (
	exitOK          = 0
	exitConfigError = 64
	exitRuntimeError = 70
	exitInterrupted = 130
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	Commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "aegisd",
	Short: "aegisd runs one service instance against the Aegis coordination core",
	Long: `aegisd runs one service instance against the Aegis coordination core:
a TTL-expiring service registry, sticky single-active leader election, and
RPC/event/command messaging over a shared broker.

Run against a real NATS broker (AEGIS_BROKER_URL) or, for local
experimentation, the in-process embedded transport via --embedded.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("aegisd %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "emit structured JSON logs")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	aegislog.Init(aegislog.Config{Level: aegislog.Level(level), JSONOutput: jsonOut})
}

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		if code, ok := exitCodeOf(err); ok {
			fmt.Fprintln(os.Stderr, err)
			return code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitRuntimeError
	}
	return exitOK
}
