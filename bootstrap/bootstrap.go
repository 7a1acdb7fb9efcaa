package bootstrap

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/dig"

	"github.com/aditya0562/lsm-kv-store/internal/application/service"
	"github.com/aditya0562/lsm-kv-store/internal/domain"
	"github.com/aditya0562/lsm-kv-store/internal/platform/config"
	"github.com/aditya0562/lsm-kv-store/internal/platform/metrics"
	"github.com/aditya0562/lsm-kv-store/internal/platform/replication"
	"github.com/aditya0562/lsm-kv-store/internal/platform/repository"
	"github.com/aditya0562/lsm-kv-store/internal/platform/repository/lsm_tree"
	"github.com/aditya0562/lsm-kv-store/internal/platform/server"
	"github.com/aditya0562/lsm-kv-store/internal/platform/server/handler/dbentry"
	"github.com/aditya0562/lsm-kv-store/internal/platform/server/handler/replstatus"
	"github.com/aditya0562/lsm-kv-store/internal/platform/server/tcp"
)

// ErrRuntime wraps failures in steady state, as opposed to initialization
// errors; main maps them to distinct exit codes.
var ErrRuntime = errors.New("runtime failure")

func Run() error {
	container := dig.New()
	serviceConstructors := []interface{}{
		config.LoadConfig,
		metrics.NewRegistry,
		newReplicationClient,
		newEngine,
		newEntryStore,
		newReplicationServer,
		newStatusProvider,
		service.NewSaveEntryService,
		service.NewGetEntryService,
		service.NewDeleteEntryService,
		service.NewBatchSaveEntriesService,
		service.NewReadKeyRangeService,
		dbentry.NewDbEntryHandler,
		replstatus.NewHandler,
		newHTTPServer,
		newTCPServer,
	}
	for _, constructor := range serviceConstructors {
		if err := container.Provide(constructor); err != nil {
			return err
		}
	}
	return container.Invoke(run)
}

func newReplicationClient(cfg config.Config, registry *metrics.Registry) *replication.Client {
	if cfg.Role != "primary" {
		return nil
	}
	return replication.NewClient(replication.ClientOptions{
		BackupHost: cfg.BackupHost,
		BackupPort: cfg.BackupPort,
		AckTimeout: time.Duration(cfg.ReplicationTimeoutMs) * time.Millisecond,
		Window:     cfg.ReplicationWindow,
		Metrics:    registry,
	})
}

func newEngine(cfg config.Config, registry *metrics.Registry, replClient *replication.Client) (*lsm_tree.Engine, error) {
	policy, err := lsm_tree.ParseSyncPolicy(cfg.SyncPolicy)
	if err != nil {
		return nil, err
	}
	opts := lsm_tree.EngineOptions{
		Dir:           cfg.DataDir,
		MemtableLimit: cfg.MemtableSize,
		SyncPolicy:    policy,
		SyncInterval:  time.Duration(cfg.SyncIntervalMs) * time.Millisecond,
		Metrics:       registry,
	}
	if replClient != nil {
		opts.Replicator = replClient
	}
	return lsm_tree.OpenEngine(opts)
}

func newEntryStore(engine *lsm_tree.Engine) domain.EntryStore {
	return repository.NewLSMTreeRepository(engine)
}

func newReplicationServer(cfg config.Config, engine *lsm_tree.Engine, registry *metrics.Registry) *replication.Server {
	if cfg.Role != "backup" {
		return nil
	}
	return replication.NewServer(engine, replication.ServerOptions{
		Port:    cfg.ReplicationPort,
		Metrics: registry,
	})
}

func newStatusProvider(replClient *replication.Client, replServer *replication.Server) domain.ReplicationStatusProvider {
	if replClient != nil {
		return replClient
	}
	if replServer != nil {
		return replServer
	}
	return nil
}

func newHTTPServer(cfg config.Config,
	entryHandler *dbentry.DbEntryHandler,
	statusHandler *replstatus.Handler,
	registry *metrics.Registry) server.Server {
	return server.NewServer(cfg.HTTPPort, entryHandler, statusHandler, registry)
}

func newTCPServer(cfg config.Config, store domain.EntryStore, registry *metrics.Registry) *tcp.Server {
	return tcp.NewServer(cfg.TCPPort, store, registry)
}

func run(cfg config.Config,
	engine *lsm_tree.Engine,
	httpServer server.Server,
	tcpServer *tcp.Server,
	replClient *replication.Client,
	replServer *replication.Server) error {
	log.Printf("Starting node (role=%s http=%d tcp=%d)", cfg.Role, cfg.HTTPPort, cfg.TCPPort)

	if replClient != nil {
		replClient.Start()
	}
	if replServer != nil {
		if err := replServer.Start(); err != nil {
			return err
		}
	}
	if err := tcpServer.Start(); err != nil {
		return err
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpServer.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-httpErr:
		runErr = fmt.Errorf("%w: http server: %v", ErrRuntime, err)
	case sig := <-sigCh:
		log.Println("Shutting down on signal:", sig)
	}

	tcpServer.Stop()
	if replServer != nil {
		replServer.Stop()
	}
	if replClient != nil {
		replClient.Close()
	}
	if err := engine.Close(); err != nil {
		log.Println("Engine close failed:", err)
		if runErr == nil {
			runErr = fmt.Errorf("%w: engine close: %v", ErrRuntime, err)
		}
	}
	return runErr
}
