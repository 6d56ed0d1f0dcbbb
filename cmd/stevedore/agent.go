package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/packdock/stevedore/pkg/agent"
	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/log"
	"github.com/packdock/stevedore/pkg/types"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a node agent",
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Register with the control plane and execute placements",
	Long: `Run the node agent: register this host as a node, heartbeat on the
lease cadence, and execute pod assignments as host processes. Bundle
refs resolve to executables under --bundle-dir.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")
		token, _ := cmd.Flags().GetString("token")
		name, _ := cmd.Flags().GetString("name")
		bundleDir, _ := cmd.Flags().GetString("bundle-dir")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		cpuMillis, _ := cmd.Flags().GetInt64("cpu-millis")
		memoryBytes, _ := cmd.Flags().GetInt64("memory-bytes")
		storageBytes, _ := cmd.Flags().GetInt64("storage-bytes")
		maxPods, _ := cmd.Flags().GetInt64("max-pods")
		labelFlags, _ := cmd.Flags().GetStringSlice("label")
		taintFlags, _ := cmd.Flags().GetStringSlice("taint")
		heartbeat, _ := cmd.Flags().GetDuration("heartbeat-interval")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")

		if token == "" {
			return errdefs.Validation("--token is required")
		}
		if name == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return errdefs.Validation("--name not set and hostname unavailable: %v", err)
			}
			name = hostname
		}

		labels, err := parseLabels(labelFlags)
		if err != nil {
			return err
		}
		taints, err := parseTaints(taintFlags)
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

		var runtime agent.PackRuntime
		var execRT *agent.ExecRuntime
		if dryRun {
			runtime = agent.NewMemoryRuntime()
		} else {
			execRT = agent.NewExecRuntime(bundleDir)
			runtime = execRT
		}

		ag := agent.New(agent.Config{
			ServerAddr: serverAddr,
			Token:      token,
			Name:       name,
			Runtime:    types.RuntimeServer,
			Allocatable: types.Resources{
				CPUMillis:    cpuMillis,
				MemoryBytes:  memoryBytes,
				StorageBytes: storageBytes,
				Pods:         maxPods,
			},
			Labels:            labels,
			Taints:            taints,
			HeartbeatInterval: heartbeat,
		}, runtime)
		if execRT != nil {
			execRT.OnExit = ag.ReportCrash
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		fmt.Printf("Starting agent %s, control plane at %s\n", name, serverAddr)

		errCh := make(chan error, 1)
		go func() {
			errCh <- ag.Run(ctx)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			ag.Stop()
			return nil
		case err := <-errCh:
			return err
		}
	},
}

func init() {
	agentCmd.AddCommand(agentRunCmd)

	agentRunCmd.Flags().String("server", "localhost:7420", "Control plane session address")
	agentRunCmd.Flags().String("token", "", "Agent join token")
	agentRunCmd.Flags().String("name", "", "Node name (default: hostname)")
	agentRunCmd.Flags().String("bundle-dir", "/var/lib/stevedore/bundles", "Directory holding pack bundles")
	agentRunCmd.Flags().Bool("dry-run", false, "Track placements without executing bundles")
	agentRunCmd.Flags().Int64("cpu-millis", 4000, "Allocatable CPU in millicores")
	agentRunCmd.Flags().Int64("memory-bytes", 8<<30, "Allocatable memory in bytes")
	agentRunCmd.Flags().Int64("storage-bytes", 100<<30, "Allocatable storage in bytes")
	agentRunCmd.Flags().Int64("max-pods", 64, "Maximum pods this node accepts")
	agentRunCmd.Flags().StringSlice("label", nil, "Node label as key=value (repeatable)")
	agentRunCmd.Flags().StringSlice("taint", nil, "Node taint as key[=value]:Effect (repeatable)")
	agentRunCmd.Flags().Duration("heartbeat-interval", agent.DefaultHeartbeatInterval, "Heartbeat cadence")
	agentRunCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	agentRunCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")
}

func parseLabels(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(flags))
	for _, f := range flags {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, errdefs.Validation("label %q is not key=value", f)
		}
		labels[key] = value
	}
	return labels, nil
}

func parseTaints(flags []string) ([]types.Taint, error) {
	taints := make([]types.Taint, 0, len(flags))
	for _, f := range flags {
		spec, effect, ok := strings.Cut(f, ":")
		if !ok {
			return nil, errdefs.Validation("taint %q is not key[=value]:Effect", f)
		}
		switch types.TaintEffect(effect) {
		case types.TaintNoSchedule, types.TaintPreferNoSchedule, types.TaintNoExecute:
		default:
			return nil, errdefs.Validation("taint %q has unknown effect %q", f, effect)
		}
		key, value, _ := strings.Cut(spec, "=")
		if key == "" {
			return nil, errdefs.Validation("taint %q has an empty key", f)
		}
		taints = append(taints, types.Taint{
			Key:    key,
			Value:  value,
			Effect: types.TaintEffect(effect),
		})
	}
	return taints, nil
}
