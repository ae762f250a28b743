// Command memnexusd runs the memnexus orchestration core: the memory
// store and sync bus, the agent supervisor, the session manager, the
// orchestrator engine, the intervention registry, and the HTTP API that
// fronts them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/api"
	"github.com/memnexus/memnexus/internal/common/config"
	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/intervention"
	"github.com/memnexus/memnexus/internal/memory"
	"github.com/memnexus/memnexus/internal/memory/bus"
	"github.com/memnexus/memnexus/internal/memory/store"
	"github.com/memnexus/memnexus/internal/orchestrator/engine"
	"github.com/memnexus/memnexus/internal/session"
	"github.com/memnexus/memnexus/internal/supervisor"
	dockersupervisor "github.com/memnexus/memnexus/internal/supervisor/docker"
)

// sessionAgentProvider adapts session.Manager's AcquireIdleAgent (which
// returns the concrete *acp.Adapter, keeping session free of an import on
// engine) to the engine.AgentProvider interface engine.Engine depends on.
type sessionAgentProvider struct {
	sessions *session.Manager
}

func (p *sessionAgentProvider) AcquireAgent(sessionID string, role session.Role) (engine.AgentConnection, string, bool) {
	adapter, agentID, ok := p.sessions.AcquireIdleAgent(sessionID, role)
	if !ok {
		return nil, "", false
	}
	return adapter, agentID, true
}

func (p *sessionAgentProvider) ReleaseAgent(sessionID, agentID string) {
	p.sessions.ReleaseAgent(sessionID, agentID)
}

func openStore(cfg config.DatabaseConfig, log *logger.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.OpenPostgres(context.Background(), cfg.DSN(), cfg.MaxConns, cfg.MinConns, nil, log)
	default:
		return store.NewSQLiteStore(cfg.Path, nil, log)
	}
}

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting memnexus orchestration core...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the memory store (C1)
	memStore, err := openStore(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open memory store", zap.Error(err))
	}
	defer memStore.Close()
	log.Info("Opened memory store", zap.String("driver", cfg.Database.Driver))

	// 4. Connect the memory sync bus (C2), bridging to NATS when configured
	var bridge bus.Bridge
	if cfg.NATS.URL != "" {
		natsBridge, err := bus.NewNATSBridge(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsBridge.Close()
		bridge = natsBridge
		log.Info("Connected to NATS bridge", zap.String("url", cfg.NATS.URL))
	}
	syncBus := bus.New(bridge, log)

	// 5. Choose the agent supervisor backend (C3)
	var sv supervisor.Supervisor
	if cfg.Docker.Enabled {
		dockerSv, err := dockersupervisor.New(ctx, cfg.Docker, log)
		if err != nil {
			log.Fatal("Failed to initialize Docker supervisor", zap.Error(err))
		}
		sv = dockerSv
		log.Info("Using Docker agent supervisor")
	} else {
		sv = supervisor.NewProcessSupervisor(log)
		log.Info("Using process agent supervisor")
	}

	// 6. Session manager (C8), wired to the supervisor, store, and bus
	sessionMgr := session.NewManager(sv, memStore, syncBus, log)

	// 7. Intervention registry (C5)
	interventions := intervention.New(cfg.Intervention, log)
	interventions.Start(ctx)
	defer interventions.Stop()
	interventions.AddCallback(func(p *intervention.Point) {
		syncBus.Publish(p.SessionID, memory.SyncEvent{
			Type:      memory.EventCreated,
			SessionID: p.SessionID,
			Memory: memory.Record{
				Content:   p.Title,
				Source:    "intervention",
				SessionID: p.SessionID,
				Type:      memory.TypeGeneric,
				Metadata:  map[string]interface{}{"intervention_id": p.ID, "status": string(p.Status)},
				Timestamp: time.Now(),
			},
			Source:    "intervention",
			Timestamp: time.Now(),
		})
	})

	// 8. Orchestrator engine (C6/C7), wired to the session manager via the
	// AgentProvider adapter above
	orchestrator := engine.New(&sessionAgentProvider{sessions: sessionMgr}, memStore, syncBus, cfg.Scheduler, log)

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, sessionMgr, orchestrator, interventions, memStore, syncBus, log)

	port := cfg.Server.Port
	if port == 0 {
		port = 8088
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down memnexus orchestration core...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	sv.Shutdown(shutdownCtx, 5*time.Second)

	log.Info("memnexus orchestration core stopped")
}
