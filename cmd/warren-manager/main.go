package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/dswarm/internal/bstore"
	"github.com/cuemby/dswarm/internal/config"
	"github.com/cuemby/dswarm/internal/log"
	"github.com/cuemby/dswarm/internal/manager"
	"github.com/cuemby/dswarm/internal/metrics"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "warren-manager",
	Short:   "dswarm manager - distributed task-execution cluster manager",
	Version: Version,
}

var cfgFile string

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"warren-manager version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the manager's event loop",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", ":0", "TCP address to listen on (0 for ephemeral port)")
	serveCmd.Flags().String("name", "", "Project name advertised to the catalog")
	serveCmd.Flags().String("data-dir", "./dswarm-data", "Directory for the bolt store and logs")
	serveCmd.Flags().String("catalog-host", "", "Catalog server host")
	serveCmd.Flags().Int("catalog-port", 0, "Catalog server port")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus /metrics endpoint")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.LoadFile(cfgFile); err != nil {
		return err
	}
	cfg.ApplyEnv()

	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr, _ = cmd.Flags().GetString("listen")
	}
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		cfg.Name = v
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if v, _ := cmd.Flags().GetString("catalog-host"); v != "" {
		cfg.CatalogHost = v
	}
	if v, _ := cmd.Flags().GetInt("catalog-port"); v != 0 {
		cfg.CatalogPort = v
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	store, err := bstore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	m, err := manager.New(cfg, store)
	if err != nil {
		return fmt.Errorf("creating manager: %w", err)
	}
	if err := m.Listen(); err != nil {
		return err
	}
	defer m.Close()

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Logger.Info().Str("addr", metricsAddr).Msg("metrics server listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		m.Run()
		close(done)
	}()

	log.Logger.Info().Str("addr", m.Addr().String()).Msg("dswarm manager started")

	select {
	case <-sig:
		log.Logger.Info().Msg("shutdown signal received")
		m.Shutdown()
	case <-done:
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status [host:port]",
	Short: "Fetch and print the queue status JSON from a running manager",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://%s/queue_status", args[0]))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 4096)
		for {
			n, rerr := resp.Body.Read(tmp)
			buf = append(buf, tmp[:n]...)
			if rerr != nil {
				break
			}
		}
		fmt.Println(string(buf))
		return nil
	},
}
