// Command vmmd is the CLI and server entrypoint for the VM supervisor:
// create/list machines and networks, drive instances through their
// lifecycle, and run the long-lived supervisor loop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vmmd-project/vmmd/pkg/layout"
	"github.com/vmmd-project/vmmd/pkg/log"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errColor(err.Error()))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vmmd",
	Short: "Single-host QEMU/KVM virtual machine supervisor",
	Long: `vmmd manages the lifecycle of guest VMs backed by QEMU/KVM,
together with the host-side resources each VM needs: bridges and TAPs,
virtiofsd shares, and cloud-init seed ISOs.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("vmmd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("config", "", "Config root directory (defaults to vmm under the XDG config home)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// layoutFromFlags builds a Layout rooted at the --config override, the same
// flag spec.md's CLI surface names.
func layoutFromFlags(cmd *cobra.Command) *layout.Layout {
	configOverride, _ := cmd.Flags().GetString("config")
	return layout.New(configOverride)
}
