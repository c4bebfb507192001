// Command sessiond runs the session orchestration core: the HTTP/SSE and
// ACP Port Adapters fronting the Session Manager, wired to a Repository
// Layer, Event Bus, Snapshot Cache, Workspace Provisioner, and Agent
// Supervisor.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/catalog"
	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/common/tracing"
	"github.com/kandev/sessiond/internal/eventbus"
	"github.com/kandev/sessiond/internal/events"
	acpgateway "github.com/kandev/sessiond/internal/gateway/acp"
	httpgateway "github.com/kandev/sessiond/internal/gateway/http"
	"github.com/kandev/sessiond/internal/gateway/websocket"
	"github.com/kandev/sessiond/internal/provisioner"
	"github.com/kandev/sessiond/internal/repoclone"
	"github.com/kandev/sessiond/internal/session/repository"
	"github.com/kandev/sessiond/internal/session/service"
	"github.com/kandev/sessiond/internal/snapshotcache"
	"github.com/kandev/sessiond/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sessiond:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := repository.Provide(&cfg.Database)
	if err != nil {
		return fmt.Errorf("provide repository: %w", err)
	}
	defer func() { _ = closeRepo() }()

	providedBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("provide event bus: %w", err)
	}
	defer func() { _ = closeBus() }()

	bus := eventbus.New(providedBus.Bus, repo, cfg.Events.SubscriberQueueDepth, log)

	providers, err := buildSnapshotProviders(cfg, log)
	if err != nil {
		return fmt.Errorf("build snapshot providers: %w", err)
	}
	registry := snapshotcache.NewRegistry(providers...)

	cache := snapshotcache.New(repo, registry, snapshotcache.Config{
		GlobalQuotaBytes:  cfg.SnapshotCache.QuotaBytes,
		PerRepoQuotaBytes: cfg.SnapshotCache.PerRepoQuotaBytes,
		BasePath:          cfg.SnapshotCache.BasePath,
	}, log)

	cloner := repoclone.NewCloner(repoclone.Config{BasePath: cfg.RepoClone.BasePath}, "https", log)

	hostID := os.Getenv("HOSTNAME")
	if hostID == "" {
		hostID = uuid.NewString()
	}
	prov := provisioner.New(cloner, cache, registry, cfg.Provisioner, hostID, log)

	// The Supervisor needs its exit handler at construction, but the Session
	// Manager needs a live Supervisor at its own construction. Break the
	// cycle with a forwarding closure; mgr is assigned before any Session
	// is admitted, so by the time HandleExit can fire the indirection is
	// already resolved.
	var mgr *service.Manager
	sup := supervisor.New(cfg.Supervisor, bus, func(sessionID string, exitCode int) {
		mgr.HandleExit(sessionID, exitCode)
	}, log)

	mgr = service.New(repo, bus, prov, sup, cfg.SessionManager, cfg.Policy, log)
	mgr.StartIdempotencyRecordSweep(ctx, cfg.SessionManager.IdempotencyTTLDuration()/24)

	cat := catalog.New(repo, catalog.DiscoveryConfig{Roots: cfg.Catalog.Roots, MaxDepth: cfg.Catalog.MaxDepth})

	wsGateway, err := websocket.Provide(log)
	if err != nil {
		return fmt.Errorf("provide websocket gateway: %w", err)
	}
	broadcaster := websocket.RegisterSessionStreamNotifications(ctx, providedBus.Bus, wsGateway.Hub, log)
	defer broadcaster.Close()

	engine := httpgateway.NewRouter(mgr, cat, wsGateway, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serveErrs := make(chan error, 2)
	go func() {
		log.Info("http adapter listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- fmt.Errorf("http server: %w", err)
		}
	}()

	var acpServer *acpgateway.Server
	if cfg.ACP.Enabled {
		acpServer = acpgateway.NewServer(mgr, log)
		go func() {
			if err := acpServer.Serve(ctx, cfg.ACP.Addr); err != nil {
				serveErrs <- fmt.Errorf("acp gateway: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErrs:
		log.Error("adapter failed", zap.Error(err))
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if acpServer != nil {
		_ = acpServer.Close()
	}
	_ = tracing.Shutdown(shutdownCtx)

	return nil
}

// buildSnapshotProviders constructs every configured SnapshotProvider in
// providerPreference order, skipping ones whose prerequisites (e.g. a Docker
// daemon) are not configured.
func buildSnapshotProviders(cfg *config.Config, log *logger.Logger) ([]snapshotcache.Provider, error) {
	var out []snapshotcache.Provider
	for _, name := range cfg.Provisioner.ProviderPreference {
		switch strings.ToLower(name) {
		case "zfs":
			out = append(out, snapshotcache.NewZFSProvider(cfg.SnapshotCache.ZFSPool))
		case "btrfs":
			out = append(out, snapshotcache.NewBtrfsProvider(cfg.SnapshotCache.BasePath))
		case "overlay":
			out = append(out, snapshotcache.NewOverlayProvider(cfg.SnapshotCache.BasePath))
		case "docker":
			if !cfg.Docker.Enabled {
				continue
			}
			opts := []client.Opt{client.WithAPIVersionNegotiation()}
			if cfg.Docker.Host != "" {
				opts = append(opts, client.WithHost(cfg.Docker.Host))
			}
			if cfg.Docker.APIVersion != "" {
				opts = append(opts, client.WithVersion(cfg.Docker.APIVersion))
			}
			cli, err := client.NewClientWithOpts(opts...)
			if err != nil {
				return nil, fmt.Errorf("create docker client: %w", err)
			}
			out = append(out, snapshotcache.NewDockerProvider(cli, ""))
		case "copy":
			out = append(out, snapshotcache.NewCopyProvider(cfg.SnapshotCache.BasePath))
		default:
			log.Warn("unknown snapshot provider in providerPreference", zap.String("provider", name))
		}
	}
	if len(out) == 0 {
		out = append(out, snapshotcache.NewCopyProvider(cfg.SnapshotCache.BasePath))
	}
	return out, nil
}
