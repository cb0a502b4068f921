package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mitmscan/mitmscan/pkg/certauthority"
	"github.com/mitmscan/mitmscan/pkg/config"
	"github.com/mitmscan/mitmscan/pkg/dedup"
	"github.com/mitmscan/mitmscan/pkg/events"
	"github.com/mitmscan/mitmscan/pkg/events/hooks"
	"github.com/mitmscan/mitmscan/pkg/httpclient"
	"github.com/mitmscan/mitmscan/pkg/pipeline"
	"github.com/mitmscan/mitmscan/pkg/plugin"
	"github.com/mitmscan/mitmscan/pkg/proxy"
	"github.com/mitmscan/mitmscan/pkg/session"
	"github.com/mitmscan/mitmscan/pkg/storage"
)

const statsInterval = 30 * time.Second

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	addr := fs.String("addr", "", "Listen address (overrides config)")
	caDir := fs.String("ca-dir", "", "CA directory (overrides config)")
	storePath := fs.String("store", "", "SQLite database path (overrides config)")
	pluginDir := fs.String("plugins", "", "User plugin directory (overrides config)")
	upstream := fs.String("upstream", "", "Upstream proxy URL (overrides config)")
	noMITM := fs.Bool("no-mitm", false, "Tunnel HTTPS without interception")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Proxy.Addr = *addr
	}
	if *caDir != "" {
		cfg.CA.Dir = *caDir
	}
	if *storePath != "" {
		cfg.Storage.Path = *storePath
	}
	if *pluginDir != "" {
		cfg.Plugins.Dir = *pluginDir
	}
	if *upstream != "" {
		cfg.Proxy.Upstream = *upstream
	}
	if *noMITM {
		cfg.Proxy.MITMEnabled = false
	}

	log := newLogger(cfg.Log.Level)
	slog.SetDefault(log)

	ca, err := certauthority.LoadOrGenerateRoot(caDirOrDefault(cfg.CA.Dir),
		certauthority.WithLeafTTL(cfg.CA.LeafTTL),
		certauthority.WithLogger(log))
	if err != nil {
		return err
	}
	log.Info("certificate authority ready", "fingerprint", ca.Fingerprint())

	client, err := httpclient.New(httpclient.Config{Proxy: cfg.Proxy.Upstream})
	if err != nil {
		return err
	}
	defer client.Close()

	var store storage.Store = storage.NopStore{}
	if cfg.Storage.Path != "" {
		s, err := storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return err
		}
		store = s
	}
	defer store.Close()

	sess := session.New()
	dispatcher := events.New(events.Config{})
	dispatcher.RegisterHook(hooks.NewLoggerHook(log))
	if cfg.Metrics.Enabled {
		ph, err := hooks.NewPrometheusHook(hooks.PrometheusOptions{Addr: cfg.Metrics.Addr})
		if err != nil {
			return fmt.Errorf("start metrics endpoint: %w", err)
		}
		dispatcher.RegisterHook(ph)
	}
	if cfg.OTel.Enabled {
		oh, err := hooks.NewOTelHook(hooks.OTelOptions{
			Endpoint: cfg.OTel.Endpoint,
			Insecure: cfg.OTel.Insecure,
		})
		if err != nil {
			log.Warn("otel exporter unavailable, continuing without traces", "error", err)
		} else {
			dispatcher.RegisterHook(oh)
		}
	}
	defer dispatcher.Close()

	manager := plugin.NewManager(plugin.ManagerConfig{
		ScanTimeout:      cfg.Plugins.ScanTimeout,
		AutoDisableAfter: int64(cfg.Plugins.AutoDisableAfter),
		Logger:           log,
	})
	defer manager.Close()
	manager.OnStateChange(func(meta plugin.Metadata) {
		dispatcher.Dispatch(context.Background(), events.NewPluginState(
			sess.ID, meta.ID, meta.Enabled, string(meta.Source)))
	})
	if err := manager.RegisterBuiltins(); err != nil {
		return err
	}
	if cfg.Plugins.Dir != "" {
		loadUserPlugins(log, manager, cfg.Plugins.Dir)
	}

	svc := proxy.New(proxy.Config{
		Addr:            cfg.Proxy.Addr,
		MITMEnabled:     cfg.Proxy.MITMEnabled,
		MaxBodySize:     cfg.Proxy.MaxBodySize,
		BypassThreshold: cfg.Proxy.BypassThreshold,
		RatePerSec:      cfg.Proxy.RatePerSec,
		Logger:          log,
	}, ca, client, sess, dispatcher)

	pipe := pipeline.New(pipeline.Config{Logger: log}, manager, dedup.New(dedup.DefaultMaxSize), store, sess, dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		pipe.Run(context.Background(), svc.Transactions())
	}()

	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dispatcher.Dispatch(ctx, events.NewStats(sess.ID, sess.Snapshot()))
			}
		}
	}()

	var pluginIDs []string
	for _, meta := range manager.List() {
		pluginIDs = append(pluginIDs, meta.ID)
	}
	dispatcher.Dispatch(ctx, events.NewSessionStart(sess.ID, cfg.Proxy.Addr, ca.Fingerprint(), pluginIDs))

	err = svc.ListenAndServe(ctx)
	if err != nil {
		// A bind failure returns before the proxy ever closes its
		// transaction channel, so stop the pipeline explicitly.
		pipe.Stop()
	}

	// The transaction channel is closed or intake has stopped; let the
	// pipeline drain.
	<-pipelineDone
	sess.Close()
	dispatcher.Dispatch(context.Background(), events.NewSessionComplete(sess.ID, sess.Snapshot()))
	return err
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func caDirOrDefault(dir string) string {
	if dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mitmscan/ca"
	}
	return filepath.Join(home, ".mitmscan", "ca")
}

// loadUserPlugins registers every *.tengo script in dir. A script that
// fails to compile is skipped with a warning; the rest still load.
func loadUserPlugins(log *slog.Logger, manager *plugin.Manager, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn("plugin directory unreadable", "dir", dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tengo") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		code, err := os.ReadFile(path)
		if err != nil {
			log.Warn("plugin unreadable", "path", path, "error", err)
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".tengo")
		meta := plugin.Metadata{ID: id, Source: plugin.SourceUser}
		if err := manager.Register(meta, string(code)); err != nil {
			log.Warn("plugin rejected", "id", id, "error", err)
			continue
		}
		if err := manager.Enable(id); err != nil {
			log.Warn("plugin enable failed", "id", id, "error", err)
			continue
		}
		log.Info("user plugin loaded", "id", id)
	}
}
