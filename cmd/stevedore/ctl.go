package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/packdock/stevedore/pkg/client"
)

const ctlTimeout = 15 * time.Second

func ctlClient(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc) {
	serverAddr, _ := cmd.Flags().GetString("server")
	ctx, cancel := context.WithTimeout(context.Background(), ctlTimeout)
	return client.New(serverAddr), ctx, cancel
}

func addServerFlag(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().String("server", "localhost:7421", "Control plane admin address")
	}
}

// Node commands

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := ctlClient(cmd)
		defer cancel()

		nodes, err := c.ListNodes(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tRUNTIME\tSTATUS\tSCHEDULABLE\tLAST HEARTBEAT")
		for _, n := range nodes {
			schedulable := "yes"
			if n.Unschedulable {
				schedulable = "no"
			}
			heartbeat := "never"
			if !n.LastHeartbeat.IsZero() {
				heartbeat = time.Since(n.LastHeartbeat).Round(time.Second).String() + " ago"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				n.ID, n.Name, n.Runtime, n.Status, schedulable, heartbeat)
		}
		return w.Flush()
	},
}

var nodeCordonCmd = &cobra.Command{
	Use:   "cordon <node-id>",
	Short: "Mark a node unschedulable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := ctlClient(cmd)
		defer cancel()

		if err := c.CordonNode(ctx, args[0], true); err != nil {
			return err
		}
		fmt.Printf("✓ Node %s cordoned\n", args[0])
		return nil
	},
}

var nodeUncordonCmd = &cobra.Command{
	Use:   "uncordon <node-id>",
	Short: "Mark a node schedulable again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := ctlClient(cmd)
		defer cancel()

		if err := c.CordonNode(ctx, args[0], false); err != nil {
			return err
		}
		fmt.Printf("✓ Node %s uncordoned\n", args[0])
		return nil
	},
}

var nodeDrainCmd = &cobra.Command{
	Use:   "drain <node-id>",
	Short: "Evict a node's pods and stop scheduling onto it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := ctlClient(cmd)
		defer cancel()

		evicted, err := c.DrainNode(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Node %s draining, %d pod(s) evicted\n", args[0], len(evicted))
		return nil
	},
}

var nodeRemoveCmd = &cobra.Command{
	Use:   "rm <node-id>",
	Short: "Deregister a drained node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := ctlClient(cmd)
		defer cancel()

		if err := c.DeregisterNode(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Node %s deregistered\n", args[0])
		return nil
	},
}

// Pack commands

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Manage packs",
}

var packListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered pack versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := ctlClient(cmd)
		defer cancel()

		packs, err := c.ListPacks(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tRUNTIME\tVISIBILITY\tBUNDLE")
		for _, p := range packs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				p.Name, p.Version, p.Runtime, p.Visibility, p.BundleRef)
		}
		return w.Flush()
	},
}

// Workload commands

var workloadCmd = &cobra.Command{
	Use:   "workload",
	Short: "Manage workloads",
}

var workloadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := ctlClient(cmd)
		defer cancel()

		workloads, err := c.ListWorkloads(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tNAMESPACE\tPACK\tREPLICAS\tREADY\tSTATUS")
		for _, wl := range workloads {
			replicas := fmt.Sprintf("%d", wl.Replicas)
			if wl.Replicas == 0 {
				replicas = "daemon"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s@%s\t%s\t%d\t%s\n",
				wl.ID, wl.Name, wl.Namespace, wl.PackName, wl.PackVersion,
				replicas, wl.ReadyReplicas, wl.Status)
		}
		return w.Flush()
	},
}

var workloadScaleCmd = &cobra.Command{
	Use:   "scale <workload-id>",
	Short: "Change a workload's replica count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		replicas, _ := cmd.Flags().GetInt("replicas")
		c, ctx, cancel := ctlClient(cmd)
		defer cancel()

		updated, err := c.ScaleWorkload(ctx, args[0], replicas)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Workload %s scaled to %d replicas\n", updated.Name, updated.Replicas)
		return nil
	},
}

var workloadRemoveCmd = &cobra.Command{
	Use:   "rm <workload-id>",
	Short: "Delete a workload and its pods",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := ctlClient(cmd)
		defer cancel()

		if err := c.DeleteWorkload(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Workload %s deletion started\n", args[0])
		return nil
	},
}

// Pod commands

var podCmd = &cobra.Command{
	Use:   "pod",
	Short: "Inspect and stop pods",
}

var podListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pods",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node")
		workloadID, _ := cmd.Flags().GetString("workload")
		c, ctx, cancel := ctlClient(cmd)
		defer cancel()

		filter := ""
		switch {
		case nodeID != "":
			filter = "node=" + nodeID
		case workloadID != "":
			filter = "workload=" + workloadID
		}
		pods, err := c.ListPods(ctx, filter)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPACK\tNAMESPACE\tNODE\tSTATUS\tREADY\tRESTARTS")
		for _, p := range pods {
			node := p.NodeID
			if node == "" {
				node = "-"
			}
			fmt.Fprintf(w, "%s\t%s@%s\t%s\t%s\t%s\t%t\t%d\n",
				p.ID, p.PackName, p.PackVersion, p.Namespace, node,
				p.Status, p.Ready, p.RestartCount)
		}
		return w.Flush()
	},
}

var podStopCmd = &cobra.Command{
	Use:   "stop <pod-id>",
	Short: "Request a graceful pod stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := ctlClient(cmd)
		defer cancel()

		if err := c.StopPod(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Pod %s stop requested\n", args[0])
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeListCmd, nodeCordonCmd, nodeUncordonCmd, nodeDrainCmd, nodeRemoveCmd)
	packCmd.AddCommand(packListCmd)
	workloadCmd.AddCommand(workloadListCmd, workloadScaleCmd, workloadRemoveCmd)
	podCmd.AddCommand(podListCmd, podStopCmd)

	workloadScaleCmd.Flags().Int("replicas", 1, "Desired replica count")
	podListCmd.Flags().String("node", "", "Filter by node id")
	podListCmd.Flags().String("workload", "", "Filter by workload id")

	addServerFlag(nodeListCmd, nodeCordonCmd, nodeUncordonCmd, nodeDrainCmd, nodeRemoveCmd,
		packListCmd, workloadListCmd, workloadScaleCmd, workloadRemoveCmd,
		podListCmd, podStopCmd)
}
