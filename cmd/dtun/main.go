// Command dtun is the management CLI (§6): it can run the rendezvous
// server directory/broker, or manage a local registry of known peer
// nodes and drive ad-hoc connect attempts against them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dtun-go/dtun/internal/rendezvousd"
)

func main() {
	root := &cobra.Command{
		Use:   "dtun",
		Short: "rendezvous server and peer-registry management CLI",
	}

	root.AddCommand(
		newServeCmd(),
		newAddCmd(),
		newListCmd(),
		newConnectCmd(),
		newDisconnectCmd(),
		newStatusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the rendezvous server (directory + connect broker)",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			srv, err := rendezvousd.Listen(log, addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			log.Info("rendezvous server listening", zap.String("addr", srv.Addr().String()))
			return srv.Serve()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", fmt.Sprintf(":%d", rendezvousd.DefaultPort), "listen address")
	return cmd
}

func newAddCmd() *cobra.Command {
	var address string
	var nodeID uint32
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "register a peer node in the local registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			reg.Peers[args[0]] = peer{NodeID: nodeID, RendezvousAddr: address}
			return saveRegistry(reg)
		},
	}
	cmd.Flags().StringVar(&address, "rendezvous-addr", "", "rendezvous server address for this peer (required)")
	cmd.Flags().Uint32Var(&nodeID, "node-id", 0, "peer's node id (required)")
	cmd.MarkFlagRequired("rendezvous-addr")
	cmd.MarkFlagRequired("node-id")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list registered peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			if len(reg.Peers) == 0 {
				fmt.Println("no peers registered")
				return nil
			}
			for name, p := range reg.Peers {
				fmt.Printf("%-20s node_id=%-10d rendezvous=%s\n", name, p.NodeID, p.RendezvousAddr)
			}
			return nil
		},
	}
}

func newConnectCmd() *cobra.Command {
	var localNodeID uint32
	cmd := &cobra.Command{
		Use:   "connect <name>",
		Short: "drive one rendezvous connect attempt against a registered peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			p, ok := reg.Peers[args[0]]
			if !ok {
				return fmt.Errorf("no such peer: %q (try 'dtun add' first)", args[0])
			}
			return connectToPeer(localNodeID, p)
		},
	}
	cmd.Flags().Uint32Var(&localNodeID, "node-id", 0, "this node's id (required)")
	cmd.MarkFlagRequired("node-id")
	return cmd
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <name>",
		Short: "remove a peer from the local registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			if _, ok := reg.Peers[args[0]]; !ok {
				return fmt.Errorf("no such peer: %q", args[0])
			}
			delete(reg.Peers, args[0])
			return saveRegistry(reg)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show the registry file path and how many peers it holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := registryPath()
			if err != nil {
				return err
			}
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			fmt.Printf("registry: %s\n%d peer(s) registered\n", path, len(reg.Peers))
			return nil
		},
	}
}
