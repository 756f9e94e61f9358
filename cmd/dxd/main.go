// Package main provides the entry point for the dx status daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/dxnetwork/dxd/internal/config"
	"github.com/dxnetwork/dxd/internal/identity"
	"github.com/dxnetwork/dxd/internal/node"
)

var log = logging.Logger("dxd")

var rootCmd = &cobra.Command{
	Use:   "dxd",
	Short: "dxd - decentralized trust and peer status exchange daemon",
	Long: `dxd runs a libp2p node that periodically exchanges status digests
with the peers admitted by the local trust store. Unknown and revoked
peers are refused; results are recorded in the exchange history log.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the dx daemon",
	Long:  `Start the status exchange daemon and run until interrupted.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize dx configuration and identity",
	Long:  `Write the default configuration and generate the node identity key.`,
	RunE:  runInit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last known status of each configured peer",
	RunE:  runStatus,
}

var (
	configPath string
	listenAddr string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Network.Listen = []string{listenAddr}
	}

	n, err := node.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	log.Infof("Peer ID: %s", n.ID())
	n.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	cancel()
	return n.Close()
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	cfg := config.Default()
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("wrote config to %s\n", path)

	privKey, err := identity.LoadOrCreate(cfg.Trust.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	id, err := identity.PeerID(privKey)
	if err != nil {
		return err
	}
	fmt.Printf("node identity: %s\n", id)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.History.Path == "" {
		return fmt.Errorf("history log disabled in config")
	}

	// Read the daemon's history log rather than talking to the daemon.
	hist, err := openHistory(cfg.History.Path)
	if err != nil {
		return err
	}
	defer hist.Close()

	entries, err := hist.Recent(20)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("no exchanges recorded")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %-9s  %s  digest=%s\n",
			e.RecordedAt.Format("2006-01-02 15:04:05"), e.Result, e.Peer, e.Digest)
	}
	return nil
}
