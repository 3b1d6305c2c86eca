package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryan-buckman/feedsync/internal/config"
	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/enrich"
	"github.com/bryan-buckman/feedsync/internal/events"
	"github.com/bryan-buckman/feedsync/internal/importer"
	"github.com/bryan-buckman/feedsync/internal/logger"
	"github.com/bryan-buckman/feedsync/internal/rss"
	"github.com/bryan-buckman/feedsync/internal/sanitize"
	"github.com/bryan-buckman/feedsync/internal/server"
	"github.com/bryan-buckman/feedsync/internal/ssrf"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "feedsync",
	Short:        "Adaptive RSS/Atom feed synchronization",
	Long:         "feedsync polls RSS and Atom feeds on an adaptive schedule, stores new articles and enriches them with link previews.",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		return logger.Init(logger.Config{
			Level:      level,
			File:       cfg.Log.File,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	importCmd.Flags().BoolVar(&importOPML, "opml", false, "Treat the input as an OPML document")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(importCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("feedsync", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/feedsync/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to choose a database backend and tune the scheduler.")
		return nil
	},
}

// --- serve command ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, enrichment workers and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		a.enricher.Start()
		a.poller.Start()

		srv := server.New(a.db, a.registrar, a.imports, a.poller)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start(cfg.Server.Addr) }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err = <-errCh:
		case sig := <-sigCh:
			logger.Infof("received %s, shutting down", sig)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warnf("[server] shutdown: %v", serr)
		}
		return err
	},
}

// --- fetch command ---

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run one scheduler cycle and wait for it to finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		a.enricher.Start()
		dispatched, err := a.poller.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		a.poller.Drain()
		a.enricher.Drain()
		fmt.Printf("Fetched %d due feeds\n", dispatched)
		return nil
	},
}

// --- import command ---

var importOPML bool

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Register feeds from a file of \"URL [title]\" lines, or OPML with --opml",
	Long:  "Registers feeds without fetching them; the scheduler picks them up on its next cycle. Reads stdin when no file is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := os.Stdin
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		var entries []importer.Entry
		var err error
		if importOPML || (len(args) == 1 && strings.EqualFold(filepath.Ext(args[0]), ".opml")) {
			entries, err = importer.ParseOPML(in)
		} else {
			entries, err = importer.ParseLines(in)
		}
		if err != nil {
			return err
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		id, err := a.imports.Submit(cmd.Context(), entries)
		if err != nil {
			return err
		}
		a.imports.Wait()

		job, err := a.imports.Poll(id)
		if err != nil {
			return err
		}
		for _, r := range job.Results {
			if r.Success {
				fmt.Printf("  + %s\n", r.URL)
			} else {
				fmt.Printf("  - %s: %s\n", r.URL, r.Error)
			}
		}
		fmt.Printf("\nImported %d of %d feeds\n", job.SuccessCount, job.Total)
		return nil
	},
}

// app holds the wired components shared by the commands.
type app struct {
	db        database.Store
	publisher events.Publisher
	enricher  *enrich.Pool
	fetcher   *rss.Fetcher
	poller    *rss.Poller
	registrar *importer.Registrar
	imports   *importer.Manager
}

func newApp(cfg *config.Config) (*app, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	logger.Infof("[database] using %s", db.DatabaseType())

	guard := ssrf.New(nil)
	if cfg.Scheduler.AllowPrivateNetworks {
		logger.Warnf("private network targets are allowed")
		guard = ssrf.NewPermissive()
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.Events.NATSURL != "" {
		p, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		publisher = p
	}

	userAgent := cfg.Scheduler.UserAgent
	if userAgent == "" {
		userAgent = "feedsync/" + version
	}
	sanitizer := sanitize.New()

	enricher := enrich.New(db, guard, sanitizer, enrich.Config{
		Workers:   cfg.Enrichment.Workers,
		QueueSize: cfg.Enrichment.QueueSize,
		Timeout:   cfg.Enrichment.Timeout,
		UserAgent: userAgent,
	})

	fetcher := rss.NewFetcher(rss.FetcherConfig{
		Store:                db,
		Guard:                guard,
		Sanitizer:            sanitizer,
		Enricher:             enricher,
		Publisher:            publisher,
		Timeout:              cfg.Scheduler.FetchTimeout,
		MaxBodyBytes:         cfg.Scheduler.MaxBodyBytes,
		UserAgent:            userAgent,
		PerDomainConcurrency: cfg.Scheduler.PerDomainConcurrency,
		PerDomainDelay:       cfg.Scheduler.PerDomainDelay,
	})

	poller := rss.NewPoller(db, fetcher, rss.PollerConfig{
		CheckInterval:  cfg.Scheduler.CheckInterval,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
	})

	registrar := importer.NewRegistrar(db, guard, fetcher)

	return &app{
		db:        db,
		publisher: publisher,
		enricher:  enricher,
		fetcher:   fetcher,
		poller:    poller,
		registrar: registrar,
		imports:   importer.NewManager(registrar, 0),
	}, nil
}

// close stops components in dependency order: scheduling first, then the
// enrichment queue it feeds, then outbound events and storage.
func (a *app) close() {
	a.poller.Stop()
	a.imports.Wait()
	a.enricher.Stop()
	a.publisher.Close()
	if err := a.db.Close(); err != nil {
		logger.Warnf("[database] close: %v", err)
	}
}

func openDB(cfg *config.Config) (database.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.DSN == "" {
			return nil, fmt.Errorf("database.dsn is required for postgres")
		}
		return database.NewPostgres(cfg.Database.DSN)
	default:
		return database.New(cfg.GetDatabasePath())
	}
}

// Ensure the wired types satisfy the interfaces they are passed as.
var (
	_ rss.Enqueuer     = (*enrich.Pool)(nil)
	_ rss.FeedFetcher  = (*rss.Fetcher)(nil)
	_ server.Refresher = (*rss.Poller)(nil)
)
