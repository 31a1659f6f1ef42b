// Package cmd provides the warden command-line interface.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	configFile string
	outputJSON bool
	noColor    bool
)

// NewRootCmd builds the warden command tree
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Security event detection and incident escalation engine",
		Long: `Warden enriches security events, detects brute force, credential stuffing,
injection payloads and access anomalies, executes response actions and escalates
incidents to an external service.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./warden.yaml, ./config/warden.yaml, /etc/warden/warden.yaml)")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newServeCmd(version))
	root.AddCommand(newReplayCmd())
	root.AddCommand(newCheckConfigCmd())
	return root
}

// Execute runs the root command and returns the process exit code
func Execute(version string) int {
	if err := NewRootCmd(version).Execute(); err != nil {
		errorColor.Fprint(os.Stderr, "Error: ")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func outputAsJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSection(title string) {
	headerColor.Printf("%s\n", title)
}

func printField(label, value string) {
	fmt.Printf("  %-16s %s\n", label+":", value)
}
