package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geldata/gelsrv/internal/api"
	"github.com/geldata/gelsrv/internal/backend"
	"github.com/geldata/gelsrv/internal/cache"
	"github.com/geldata/gelsrv/internal/compiler"
	"github.com/geldata/gelsrv/internal/config"
	"github.com/geldata/gelsrv/internal/frontend"
	"github.com/geldata/gelsrv/internal/health"
	"github.com/geldata/gelsrv/internal/metrics"
	"github.com/geldata/gelsrv/internal/pool"
	"github.com/geldata/gelsrv/internal/poolalgo"
	"github.com/geldata/gelsrv/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/gelsrv.yaml", "path to configuration file")
	cacheSize := flag.Int("cache-size", 1024, "query cache capacity (compiled query entries)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("gelsrv starting...")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		// spec.md: exit 2 is reserved for config-parse/validation
		// failures, distinct from the generic startup-failure exit 1
		// every other log.Fatalf below this point uses.
		log.Printf("failed to load config: %v", err)
		os.Exit(2)
	}
	log.Printf("configuration loaded from %s (%d branches)", *configPath, len(cfg.Branches))

	m := metrics.New()
	r := router.New(cfg)

	driver := &backend.Postgres{DialTimeout: cfg.Defaults.DialTimeout}
	pm := pool.New(r, driver, nil)
	pm.StartRebalancer(cfg.Defaults.RebalanceTick)

	hc := health.NewChecker(r, pm, m, cfg.HealthCheck)
	hc.Start()

	statsTicker := time.NewTicker(5 * time.Second)
	statsStop := make(chan struct{})
	go reportPoolStats(statsTicker, statsStop, pm, m, r)

	schemaVersion := func() uint64 { return 1 }
	gateway := &compiler.Gateway{SchemaVersion: schemaVersion}
	qc, err := cache.New(*cacheSize, gateway)
	if err != nil {
		log.Fatalf("failed to build query cache: %v", err)
	}

	frontendServer := frontend.NewServer(frontend.Deps{
		Cache:                         qc,
		Pool:                          pm,
		Metrics:                       m,
		SchemaVersion:                 schemaVersion,
		SessionIdleTimeout:            cfg.Session.SessionIdleTimeout,
		SessionIdleTransactionTimeout: cfg.Session.SessionIdleTransactionTimeout,
		QueryExecutionTimeout:         cfg.Session.QueryExecutionTimeout,
	}, cfg.Listen)

	if err := frontendServer.Listen(cfg.Listen.BinaryPort); err != nil {
		log.Fatalf("failed to start binary protocol listener: %v", err)
	}

	apiServer := api.NewServer(api.Deps{
		Router:        r,
		Pool:          pm,
		HealthCheck:   hc,
		Cache:         qc,
		Metrics:       m,
		SchemaVersion: schemaVersion,
		ListenCfg:     cfg.Listen,
		Defaults:      cfg.Defaults,
	})
	if err := apiServer.Start(cfg.Listen.HTTPPort); err != nil {
		log.Fatalf("failed to start API server: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("reloading configuration...")
		r.Reload(newCfg)
	})
	if err != nil {
		log.Printf("warning: config hot-reload not available: %v", err)
	}

	log.Printf("gelsrv ready - binary:%d http:%d", cfg.Listen.BinaryPort, cfg.Listen.HTTPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	close(statsStop)
	statsTicker.Stop()
	apiServer.Stop()
	frontendServer.Stop()
	hc.Stop()
	pm.Stop()

	log.Printf("gelsrv stopped")
}

// reportPoolStats mirrors each branch's ConnectionBlock metrics into
// Prometheus on a fixed cadence, the same periodic-push shape the
// teacher used for its tenant pool stats.
func reportPoolStats(ticker *time.Ticker, stop <-chan struct{}, pm *pool.Pool, m *metrics.Collector, r *router.Router) {
	for {
		select {
		case <-ticker.C:
			d := r.Defaults()
			params := poolalgo.Params{TotalCap: d.TotalCap, HoldFloor: d.HoldFloor, ReconnectCost: d.ReconnectCost}
			for branch, bm := range pm.Stats() {
				m.UpdatePoolStats(branch, bm.Connections-bm.Idle, bm.Idle, bm.Connections, bm.Waiters)
				m.UpdateBlockDemand(branch, bm.EwmaDemand, poolalgo.Hungry(bm), poolalgo.Overfull(bm, params))
			}
		case <-stop:
			return
		}
	}
}

// loadConfig loads the YAML config if it exists, else falls back to the
// GEL_* environment variables (single-branch deployments, e.g. containers
// wired up purely through env).
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	}
	log.Printf("no config file at %s, falling back to GEL_* environment", path)
	return config.LoadFromEnv(), nil
}
