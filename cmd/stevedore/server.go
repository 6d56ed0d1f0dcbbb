package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/packdock/stevedore/pkg/auth"
	"github.com/packdock/stevedore/pkg/client"
	"github.com/packdock/stevedore/pkg/controller"
	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/events"
	"github.com/packdock/stevedore/pkg/lease"
	"github.com/packdock/stevedore/pkg/log"
	"github.com/packdock/stevedore/pkg/manager"
	"github.com/packdock/stevedore/pkg/routing"
	"github.com/packdock/stevedore/pkg/scheduler"
	"github.com/packdock/stevedore/pkg/server"
	"github.com/packdock/stevedore/pkg/storage"
	"github.com/packdock/stevedore/pkg/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
}

var serverInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new control plane",
	Long: `Initialize a new control plane with this server as the first member.

By default the server runs standalone with no consensus group. Pass
--cluster to bootstrap a single-member raft group that additional
servers can join.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := serverOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		opts.bootstrap = true
		return runServer(opts)
	},
}

var serverJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing control plane cluster",
	Long: `Join an existing cluster as a raft voter. Requires a server join
token minted on the leader and the leader's admin address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := serverOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		opts.clustered = true
		opts.leaderAddr, _ = cmd.Flags().GetString("leader")
		opts.joinToken, _ = cmd.Flags().GetString("token")
		if opts.leaderAddr == "" || opts.joinToken == "" {
			return errdefs.Validation("--leader and --token are required to join")
		}
		return runServer(opts)
	},
}

func init() {
	serverCmd.AddCommand(serverInitCmd)
	serverCmd.AddCommand(serverJoinCmd)

	for _, cmd := range []*cobra.Command{serverInitCmd, serverJoinCmd} {
		cmd.Flags().String("node-id", "", "Server identity within the cluster (default: hostname)")
		cmd.Flags().String("listen-addr", ":7420", "Agent session listen address")
		cmd.Flags().String("admin-addr", ":7421", "Admin API and metrics listen address")
		cmd.Flags().String("raft-bind", ":7422", "Raft transport bind address")
		cmd.Flags().String("raft-advertise", "", "Raft address advertised to peers (default: raft-bind)")
		cmd.Flags().String("data-dir", "/var/lib/stevedore", "Persistent state directory")
		cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
		cmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")
	}
	serverInitCmd.Flags().Bool("cluster", false, "Bootstrap a raft group instead of running standalone")
	serverJoinCmd.Flags().String("leader", "", "Admin address of the current leader")
	serverJoinCmd.Flags().String("token", "", "Server join token minted on the leader")
}

type serverOptions struct {
	nodeID        string
	listenAddr    string
	adminAddr     string
	raftBind      string
	raftAdvertise string
	dataDir       string
	logLevel      string
	logJSON       bool

	clustered  bool
	bootstrap  bool
	leaderAddr string
	joinToken  string
}

func serverOptionsFromFlags(cmd *cobra.Command) (*serverOptions, error) {
	opts := &serverOptions{}
	opts.nodeID, _ = cmd.Flags().GetString("node-id")
	opts.listenAddr, _ = cmd.Flags().GetString("listen-addr")
	opts.adminAddr, _ = cmd.Flags().GetString("admin-addr")
	opts.raftBind, _ = cmd.Flags().GetString("raft-bind")
	opts.raftAdvertise, _ = cmd.Flags().GetString("raft-advertise")
	opts.dataDir, _ = cmd.Flags().GetString("data-dir")
	opts.logLevel, _ = cmd.Flags().GetString("log-level")
	opts.logJSON, _ = cmd.Flags().GetBool("log-json")
	if clustered, err := cmd.Flags().GetBool("cluster"); err == nil {
		opts.clustered = clustered
	}

	if opts.nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, errdefs.Validation("--node-id not set and hostname unavailable: %v", err)
		}
		opts.nodeID = hostname
	}
	if opts.raftAdvertise == "" {
		opts.raftAdvertise = opts.raftBind
	}
	return opts, nil
}

func runServer(opts *serverOptions) error {
	log.Init(log.Config{Level: log.Level(opts.logLevel), JSONOutput: opts.logJSON})

	fmt.Println("Starting stevedore control plane...")
	fmt.Printf("  Node ID: %s\n", opts.nodeID)
	fmt.Printf("  Session Address: %s\n", opts.listenAddr)
	fmt.Printf("  Admin Address: %s\n", opts.adminAddr)
	fmt.Printf("  Data Directory: %s\n", opts.dataDir)
	fmt.Println()

	adapter, err := storage.NewBoltAdapter(opts.dataDir)
	if err != nil {
		return fmt.Errorf("open state storage: %w", err)
	}
	defer adapter.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	st, err := store.New(adapter, broker)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	var mgr *manager.Manager
	if opts.clustered {
		mgr, err = manager.New(st, manager.Config{
			NodeID:        opts.nodeID,
			RaftBind:      opts.raftBind,
			RaftAdvertise: opts.raftAdvertise,
			DataDir:       opts.dataDir,
			Bootstrap:     opts.bootstrap,
		})
		if err != nil {
			return fmt.Errorf("start consensus: %w", err)
		}
		fmt.Println("✓ Consensus group started")
	} else {
		mgr = manager.NewStandalone(st)
	}
	var state store.API = mgr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.leaderAddr != "" {
		joinCtx, joinCancel := context.WithTimeout(ctx, 30*time.Second)
		err := client.New(opts.leaderAddr).JoinCluster(joinCtx, opts.joinToken, opts.nodeID, opts.raftAdvertise)
		joinCancel()
		if err != nil {
			return fmt.Errorf("join cluster via %s: %w", opts.leaderAddr, err)
		}
		fmt.Printf("✓ Joined cluster via %s\n", opts.leaderAddr)
	}

	tokens := auth.NewTokenProvider()
	joins := auth.NewJoinTokens()
	arbiter := routing.NewArbiter(state, nil)
	groups := routing.NewGroups()
	srv := server.New(state, tokens, joins, arbiter, groups)

	sched := scheduler.New(state, srv, 0)
	sched.Start()
	fmt.Println("✓ Scheduler started")

	ctrl := controller.New(state, sched, srv, 0)
	ctrl.Start()
	fmt.Println("✓ Workload controller started")

	leases := lease.New(state, lease.Config{}, srv.RevokeCredentials)
	leases.Start()
	fmt.Println("✓ Lease engine started")

	admin := server.NewAdmin(state, joins, func() bool { return !st.Corrupt() })
	admin.AttachCluster(mgr)
	admin.AttachCommander(srv)
	adminSrv := &http.Server{Addr: opts.adminAddr, Handler: admin.Handler()}

	ln, err := net.Listen("tcp", opts.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.listenAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			errCh <- fmt.Errorf("session server: %w", err)
		}
	}()
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	// Invariant violations poison the store; a poisoned control plane
	// must restart from persisted state rather than keep serving.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if st.Corrupt() {
					errCh <- store.ErrInvariantViolated
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if opts.bootstrap {
		jt, err := joins.Generate(auth.JoinRoleAgent, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("mint bootstrap token: %w", err)
		}
		fmt.Println()
		fmt.Println("Agent join token (valid 24h):")
		fmt.Printf("  %s\n", jt.Token)
	}

	fmt.Println()
	fmt.Println("Control plane is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case runErr = <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", runErr)
	}

	cancel()
	ctrl.Stop()
	sched.Stop()
	leases.Stop()
	srv.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	adminSrv.Shutdown(shutdownCtx)
	shutdownCancel()

	if err := mgr.Shutdown(); err != nil {
		log.Logger.Warn().Err(err).Msg("consensus shutdown failed")
	}

	if runErr != nil {
		return runErr
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}
