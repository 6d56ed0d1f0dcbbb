package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/packdock/stevedore/pkg/auth"
	"github.com/packdock/stevedore/pkg/client"
	"github.com/packdock/stevedore/pkg/errdefs"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage join tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create [agent|server]",
	Short: "Mint a join token for agents or control plane peers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverAddr, _ := cmd.Flags().GetString("server")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		var role auth.JoinRole
		switch args[0] {
		case "agent":
			role = auth.JoinRoleAgent
		case "server":
			role = auth.JoinRoleServer
		default:
			return errdefs.Validation("role must be agent or server, got %q", args[0])
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		jt, err := client.New(serverAddr).MintToken(ctx, role, ttl)
		if err != nil {
			return err
		}
		fmt.Printf("Join token for %s (expires %s):\n", role, jt.ExpiresAt.Format(time.RFC3339))
		fmt.Printf("  %s\n", jt.Token)
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCreateCmd.Flags().String("server", "localhost:7421", "Control plane admin address")
	tokenCreateCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
}
