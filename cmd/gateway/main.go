// The gateway binary: one process owning the Modbus connections, the poll
// loop, the command pipeline, the alarm engine and the HTTP/WS surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gridpoint/plantgateway/internal/alarm"
	"github.com/gridpoint/plantgateway/internal/api"
	"github.com/gridpoint/plantgateway/internal/audit"
	"github.com/gridpoint/plantgateway/internal/command"
	"github.com/gridpoint/plantgateway/internal/config"
	"github.com/gridpoint/plantgateway/internal/device"
	"github.com/gridpoint/plantgateway/internal/hub"
	"github.com/gridpoint/plantgateway/internal/infra"
	"github.com/gridpoint/plantgateway/internal/model"
	"github.com/gridpoint/plantgateway/internal/monitoring"
	"github.com/gridpoint/plantgateway/internal/poller"
	"github.com/gridpoint/plantgateway/internal/ratelimit"
	"github.com/gridpoint/plantgateway/internal/snapshot"
	"github.com/gridpoint/plantgateway/internal/store"
)

const shutdownGrace = 10 * time.Second

// gatewayStore is the full persistence surface the gateway wires. Both the
// Postgres store and the in-memory dev store satisfy it.
type gatewayStore interface {
	api.Store
	alarm.Store
	command.Store
	command.ConfigStore
	Close() error
}

func main() {
	logger := log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags)

	configPath := flag.String("config", "", "path to YAML config (defaults applied when empty)")
	seedPath := flag.String("seed", "", "JSON configuration tree for the in-memory store (dev only)")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	if *configPath == "" {
		*configPath = os.Getenv("GATEWAY_CONFIG")
	}
	manager, err := config.NewManager(*configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	cfg := manager.Get()

	metrics := monitoring.New()
	ctx := context.Background()

	// --- persistence ---
	st, trees, err := openStore(ctx, cfg, *seedPath, logger)
	if err != nil {
		logger.Fatalf("store: %v", err)
	}
	defer st.Close()

	idx := model.NewTreeIndex(trees)

	// --- device service ---
	devices := device.NewService(cfg.Modbus, metrics)
	targets := make(map[string]device.Target, len(trees))
	for _, t := range trees {
		targets[t.PLC.Name] = device.Target{Address: t.PLC.Address, Port: t.PLC.Port}
	}
	devices.SetTargets(targets)

	// --- fan-out and rate limiting ---
	h := hub.New(metrics)
	limiter, closeLimiter := newLimiter(cfg, logger)
	defer closeLimiter()

	// --- commands ---
	exec := command.NewExecutor(cfg.Commands, devices, st, h, metrics)
	if err := exec.Start(ctx); err != nil {
		logger.Fatalf("command executor: %v", err)
	}
	cmdSvc := command.NewService(cfg.Commands, cfg.Alarms.DigitalBitMax, st, st, limiter, exec)

	// --- alarms ---
	engine := alarm.NewEngine(st, h, metrics)
	engine.SetIndex(idx)
	if err := engine.ReloadRules(ctx); err != nil {
		logger.Fatalf("alarm rules: %v", err)
	}

	// --- polling ---
	snaps := snapshot.NewStore()
	p := poller.New(cfg.Polling, devices, snaps, engine, metrics)
	p.SetTrees(trees)
	p.Start()

	// --- HTTP surface ---
	auditor := audit.NewLogger()
	server := api.NewServer(cfg.Server, cfg.WebSocket, api.Deps{
		Store:     st,
		Snapshots: snaps,
		Devices:   devices,
		Commands:  cmdSvc,
		Alarms:    engine,
		Hub:       h,
		Audit:     auditor,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	logger.Printf("gateway up: %d PLCs, store=%s", len(trees), storeKind(cfg))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		logger.Printf("http server failed: %v", err)
	}

	// Reverse of startup order: stop taking requests, stop producing work,
	// drain workers, then close shared resources.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	p.Stop()
	exec.Stop()
	h.Close()
	devices.CloseAll()
	auditor.Close()
	logger.Println("shutdown complete")
}

// openStore connects Postgres when configured, otherwise falls back to the
// in-memory store seeded from an optional JSON tree file.
func openStore(ctx context.Context, cfg *config.Config, seedPath string, logger *log.Logger) (gatewayStore, []*model.PLCTree, error) {
	if cfg.Database.URL != "" {
		pg, err := store.OpenPostgres(cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		trees, err := pg.LoadTree(ctx)
		if err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, trees, nil
	}

	logger.Println("no database configured, using in-memory store")
	mem := store.NewMemory()
	var trees []*model.PLCTree
	if seedPath != "" {
		raw, err := os.ReadFile(seedPath)
		if err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal(raw, &trees); err != nil {
			return nil, nil, err
		}
	}
	mem.SetTree(trees)
	return mem, trees, nil
}

// newLimiter prefers Redis so command rate limits hold across instances;
// without Redis the limit is per-process.
func newLimiter(cfg *config.Config, logger *log.Logger) (ratelimit.Limiter, func()) {
	if cfg.Redis.Addr != "" {
		rl, err := infra.NewRedisLimiter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Commands.RateLimitPerMinute)
		if err == nil {
			return rl, func() { rl.Close() }
		}
		logger.Printf("redis unavailable (%v), falling back to in-memory rate limiter", err)
	}
	mem := ratelimit.NewMemory(cfg.Commands.RateLimitPerMinute)
	return mem, mem.Close
}

func storeKind(cfg *config.Config) string {
	if cfg.Database.URL != "" {
		return "postgres"
	}
	return "memory"
}
