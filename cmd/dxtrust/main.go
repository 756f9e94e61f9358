// Package main provides dxtrust, the trust store management CLI.
package main

import (
	"fmt"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/dxnetwork/dxd/internal/config"
	"github.com/dxnetwork/dxd/internal/identity"
	"github.com/dxnetwork/dxd/internal/trust"
)

var rootCmd = &cobra.Command{
	Use:   "dxtrust",
	Short: "dxtrust - manage the dx trust store",
	Long: `dxtrust manages the local trust store consulted by the dxd daemon.
Trust levels only ever increase (unknown -> provisional -> trusted) and
revocation is terminal: a revoked peer can never be re-admitted.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelError)
		}
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the node identity key and print its peer ID",
	RunE:  runKeygen,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all trust records",
	RunE:  runList,
}

var addCmd = &cobra.Command{
	Use:   "add <peer-id>",
	Short: "Add a peer to the trust store",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdd,
}

var setLevelCmd = &cobra.Command{
	Use:   "set-level <peer-id> <level>",
	Short: "Change a peer's trust level (upgrades only)",
	Args:  cobra.ExactArgs(2),
	RunE:  runSetLevel,
}

var relabelCmd = &cobra.Command{
	Use:   "relabel <peer-id> [label]",
	Short: "Replace a peer's label (omit the label to clear it)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRelabel,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <peer-id>",
	Short: "Permanently revoke a peer",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevoke,
}

var showCmd = &cobra.Command{
	Use:   "show <peer-id>",
	Short: "Show the trust record for a peer",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var (
	configPath string
	debug      bool
	addLabel   string
	addLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	addCmd.Flags().StringVar(&addLabel, "label", "", "human-readable label for the peer")
	addCmd.Flags().StringVar(&addLevel, "level", "provisional", "trust level: provisional or trusted")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(setLevelCmd)
	rootCmd.AddCommand(relabelCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(showCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*trust.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := trust.Load(cfg.Trust.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust store: %w", err)
	}
	return store, nil
}

func parsePeerID(s string) (peer.ID, error) {
	id, err := peer.Decode(s)
	if err != nil {
		return "", fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	return id, nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	privKey, err := identity.LoadOrCreate(cfg.Trust.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	id, err := identity.PeerID(privKey)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	records := store.Records()
	if len(records) == 0 {
		fmt.Println("trust store is empty")
		return nil
	}
	for _, rec := range records {
		printRecord(rec)
	}
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	id, err := parsePeerID(args[0])
	if err != nil {
		return err
	}
	level, err := trust.ParseLevel(addLevel)
	if err != nil {
		return fmt.Errorf("invalid level %q (use provisional or trusted)", addLevel)
	}
	if !level.Admitted() {
		return fmt.Errorf("add only accepts provisional or trusted")
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.Upsert(id, level, addLabel); err != nil {
		return err
	}
	fmt.Printf("added %s as %s\n", id, level)
	return nil
}

func runSetLevel(cmd *cobra.Command, args []string) error {
	id, err := parsePeerID(args[0])
	if err != nil {
		return err
	}
	level, err := trust.ParseLevel(args[1])
	if err != nil {
		return fmt.Errorf("invalid level %q", args[1])
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.SetLevel(id, level); err != nil {
		return err
	}
	fmt.Printf("set %s to %s\n", id, level)
	return nil
}

func runRelabel(cmd *cobra.Command, args []string) error {
	id, err := parsePeerID(args[0])
	if err != nil {
		return err
	}
	var label string
	if len(args) == 2 {
		label = args[1]
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.Relabel(id, label); err != nil {
		return err
	}
	if label == "" {
		fmt.Printf("cleared label of %s\n", id)
	} else {
		fmt.Printf("relabeled %s to %q\n", id, label)
	}
	return nil
}

func runRevoke(cmd *cobra.Command, args []string) error {
	id, err := parsePeerID(args[0])
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.Revoke(id); err != nil {
		return err
	}
	fmt.Printf("revoked %s\n", id)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	id, err := parsePeerID(args[0])
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	rec, stored := store.Lookup(id)
	if !stored {
		fmt.Printf("%s: no record (unknown)\n", id)
		return nil
	}
	printRecord(rec)
	return nil
}

func printRecord(rec trust.Record) {
	label := rec.Label
	if label == "" {
		label = "-"
	}
	fmt.Printf("%s  %-11s  label=%s  first-seen=%s  updated=%s\n",
		rec.Identity, rec.Level, label,
		time.UnixMilli(rec.FirstSeen).Format(time.RFC3339),
		time.UnixMilli(rec.LastUpdated).Format(time.RFC3339))
}
