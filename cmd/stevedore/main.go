package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/packdock/stevedore/pkg/errdefs"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errdefs.ErrValidation) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stevedore",
	Short: "Stevedore - pack orchestrator for server and browser runtimes",
	Long: `Stevedore places versioned pack bundles across a fleet of runtime
agents, keeps workloads at their declared replica counts, and arbitrates
service-to-service routing. One binary runs the control plane, the node
agent, and the operator CLI.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Stevedore version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(workloadCmd)
	rootCmd.AddCommand(podCmd)
}
