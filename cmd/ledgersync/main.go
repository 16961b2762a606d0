// Package main provides the CLI entrypoint for ledgersync.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbellard/ledgersync/internal/api"
	"github.com/mbellard/ledgersync/internal/config"
	"github.com/mbellard/ledgersync/internal/logger"
	"github.com/mbellard/ledgersync/internal/model"
	"github.com/mbellard/ledgersync/internal/netmon"
	"github.com/mbellard/ledgersync/internal/offline"
	"github.com/mbellard/ledgersync/internal/store"
	syncengine "github.com/mbellard/ledgersync/internal/sync"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgersync",
	Short: "Offline-first sync engine for the business API",
	Long: `ledgersync keeps a durable local copy of your business data
(transactions, invoices, messages, reports, notifications), queues
mutations made while disconnected, and replays them against the remote
API once connectivity returns.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine until interrupted",
	Long: `Run starts the connectivity monitor and drains the pending-action
queue whenever the device comes online, retrying on a fixed interval.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one manual sync pass",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and queue status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var addCmd = &cobra.Command{
	Use:   "add <collection> <json>",
	Short: "Create a record, falling back to the offline queue",
	Long: `Add creates one record in the given collection from a JSON payload.
If the API is unreachable the record is saved locally under a
provisional id and queued for the next sync.`,
	Args: cobra.ExactArgs(2),
	RunE: runAdd,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/ledgersync/config.yml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(addCmd)
}

// loadConfig reads the config file and applies the log level.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config %q: %w", path, err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return cfg, err
	}
	logger.SetLevel(level)

	return cfg, nil
}

// openStore opens (and creates if needed) the offline database.
func openStore(cfg config.Config) (*store.Store, error) {
	path := cfg.StorePath
	if path == "" {
		p, err := config.DefaultStorePath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open offline store: %w", err)
	}
	return st, nil
}

// wsURL derives the connectivity websocket endpoint from the API base URL.
func wsURL(baseURL string) string {
	url := baseURL
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return strings.TrimRight(url, "/") + "/ws"
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 1. Open the durable store
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// 2. Create the API client and connectivity probe
	client := api.New(cfg.APIBaseURL, cfg.APIToken)
	probe := netmon.NewWSProbe(wsURL(cfg.APIBaseURL))
	probe.Start()
	defer probe.Stop()

	// 3. Wire the façade and report transitions on stdout
	facade := offline.New(st, client, probe, offline.Options{
		SyncInterval: cfg.SyncInterval.Std(),
		MaxAttempts:  cfg.MaxAttempts,
	})
	facade.Subscribe(func(ev syncengine.Event) {
		switch ev.Type {
		case syncengine.EventWentOnline:
			fmt.Println("online")
		case syncengine.EventWentOffline:
			fmt.Println("offline")
		case syncengine.EventSyncCompleted:
			fmt.Printf("sync complete: %d replayed, %d failed, %d abandoned, %d remaining\n",
				ev.Summary.Replayed, ev.Summary.Failed, ev.Summary.Abandoned, ev.Summary.Remaining)
		case syncengine.EventActionAbandoned:
			fmt.Fprintf(os.Stderr, "warning: gave up on a %s change after repeated failures: %v\n", ev.Collection, ev.Err)
		}
	})

	// 4. Run until interrupted
	facade.Init()
	defer facade.Shutdown()

	fmt.Println("ledgersync running, press Ctrl+C to stop")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down")
	return nil
}

// oneShotFacade builds and starts a façade that assumes connectivity and
// lets the offline fallback handle an unreachable API. The caller must
// Shutdown it.
func oneShotFacade(cfg config.Config, st *store.Store) *offline.Facade {
	client := api.New(cfg.APIBaseURL, cfg.APIToken)
	probe := netmon.NewManualProbe(true)
	facade := offline.New(st, client, probe, offline.Options{
		SyncInterval: cfg.SyncInterval.Std(),
		MaxAttempts:  cfg.MaxAttempts,
	})
	facade.Init()
	return facade
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// One deliberate pass, no monitor: assume connectivity and let the
	// per-action failures surface in the summary.
	client := api.New(cfg.APIBaseURL, cfg.APIToken)
	engine := syncengine.NewEngine(st, client, func() bool { return true }, cfg.MaxAttempts, nil)

	summary, err := engine.Drain(context.Background())
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Printf("sync complete: %d replayed, %d failed, %d abandoned, %d remaining\n",
		summary.Replayed, summary.Failed, summary.Abandoned, summary.Remaining)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := api.New(cfg.APIBaseURL, cfg.APIToken)
	if _, err := client.List(ctx, model.Transactions); err != nil {
		fmt.Printf("api: unreachable (%v)\n", err)
	} else {
		fmt.Println("api: reachable")
	}

	actions, err := st.ListPendingActions()
	if err != nil {
		return err
	}

	fmt.Printf("pending actions: %d\n", len(actions))
	for _, a := range actions {
		fmt.Printf("  #%d %s %s (record %d, attempts %d)\n", a.ID, a.Kind, a.Collection, a.RecordID, a.Attempts)
	}
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	collection := args[0]
	payload := args[1]

	if !model.ValidCollection(collection) {
		return fmt.Errorf("unknown collection %q: valid collections are %s",
			collection, strings.Join(model.Collections(), ", "))
	}
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	facade := oneShotFacade(cfg, st)
	defer facade.Shutdown()

	rec, err := facade.Create(context.Background(), collection, json.RawMessage(payload))
	if err != nil {
		return fmt.Errorf("create failed: %w", err)
	}

	if rec.CreatedOffline {
		fmt.Printf("saved offline as %s/%d, will sync when the API is reachable\n", collection, rec.ID)
	} else {
		fmt.Printf("created %s/%d\n", collection, rec.ID)
	}
	return nil
}
