package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	_ "github.com/lib/pq"

	"github.com/vango-dev/mtproto/internal/config"
	mterrors "github.com/vango-dev/mtproto/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ┌┬┐┌┬┐┌─┐┌┬┐┬
  │││ │ │   │ │
  ┴ ┴ ┴ └─┘ ┴ ┴─┘
`

// configPath is the --config flag shared by every command.
var configPath string

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		mterrors.PrintError(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mtctl",
		Short: "Inspect and drive an MTProto client",
		Long: `mtctl is the command line companion of the mtproto client core.

It validates TL schemas, manages stored authorization keys and talks
to datacenters using the settings in mtproto.yaml:

  • Schema checks with constructor id verification
  • Auth key inspection for every storage driver
  • One-shot RPC calls from JSON
  • An HTTP gateway with Prometheus metrics`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to "+config.ConfigFileName+" (default: search upwards from the working directory)")

	rootCmd.AddCommand(
		configCmd(),
		schemaCmd(),
		keysCmd(),
		pingCmd(),
		callCmd(),
		serveCmd(),
		versionCmd(),
	)
	return rootCmd
}

// loadConfig reads the file named by --config, or the nearest
// mtproto.yaml above the working directory.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := config.FindProjectRoot(wd)
	if err != nil {
		return nil, err
	}
	return config.LoadFile(filepath.Join(root, config.ConfigFileName))
}

// printBanner prints the mtctl ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Printf("\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}

// errorMsg prints an error message.
func errorMsg(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[31m✗\033[0m %s\n", fmt.Sprintf(format, args...))
}
