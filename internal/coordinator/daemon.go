//go:build unix

package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jordanhubbard/shuttle/internal/control"
	"github.com/jordanhubbard/shuttle/internal/database"
	"github.com/jordanhubbard/shuttle/internal/graph"
	"github.com/jordanhubbard/shuttle/internal/logging"
	"github.com/jordanhubbard/shuttle/internal/messagebus"
	"github.com/jordanhubbard/shuttle/internal/tasks"
	"github.com/jordanhubbard/shuttle/internal/telemetry"
	"github.com/jordanhubbard/shuttle/internal/watch"
	"github.com/jordanhubbard/shuttle/internal/worker"
	"github.com/jordanhubbard/shuttle/pkg/config"
)

// Daemon wires the coordinator to its control socket, file watcher,
// metrics endpoint and event bus.
type Daemon struct {
	cfg *config.Config
}

// NewDaemon returns a daemon for cfg. cfg.Graph.Dir names the store.
func NewDaemon(cfg *config.Config) *Daemon {
	return &Daemon{cfg: cfg}
}

// Run blocks until ctx is done or a shutdown command arrives.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.cfg
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var db *sql.DB
	if cfg.Logging.Persist {
		var err error
		db, err = database.Open(cfg.Logging.Driver, cfg.Logging.DSN)
		if err != nil {
			return fmt.Errorf("open log database: %w", err)
		}
		defer db.Close()
	}
	logs := logging.NewManager(cfg.Logging.BufferSize, db, cfg.Logging.Driver)
	logs.InstallLogInterceptor(os.Stderr)
	defer logs.Flush()

	shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Printf("[Daemon] Telemetry shutdown failed: %v", err)
		}
	}()

	store := graph.NewStore(cfg.Graph.Dir, cfg.Graph.LockTimeout)
	tm := tasks.NewManager(store)

	var coordOpts []Option
	if cfg.Events.NATSURL != "" {
		bus, err := messagebus.NewNatsMessageBus(messagebus.Config{
			URL:           cfg.Events.NATSURL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Timeout:       5 * time.Second,
		})
		if err != nil {
			log.Printf("[Daemon] Event bus unavailable, continuing without it: %v", err)
		} else {
			defer bus.Close()
			tm.AddSink(bus)
			coordOpts = append(coordOpts, WithTickPublisher(bus))
		}
	}

	executors, err := worker.NewExecutorSet(cfg.Executors)
	if err != nil {
		return err
	}
	var supOpts []worker.Option
	if cfg.Triage.Enabled {
		supOpts = append(supOpts, worker.WithTriager(&worker.CommandTriager{
			Command:   cfg.Triage.Command,
			Args:      cfg.Triage.Args,
			Model:     cfg.Triage.Model,
			ModelFlag: cfg.Triage.ModelFlag,
			Timeout:   cfg.Triage.Timeout,
		}))
	}
	bin := cfg.Coordinator.ShuttleBin
	if bin == "" {
		if exe, err := os.Executable(); err == nil {
			bin = exe
		}
	}
	sup, err := worker.NewSupervisor(worker.Config{
		Dir:               cfg.Graph.Dir,
		WorkDir:           cfg.Coordinator.WorkDir,
		DefaultExecutor:   cfg.Coordinator.Executor,
		DefaultModel:      cfg.Coordinator.Model,
		HeartbeatTimeout:  cfg.Coordinator.HeartbeatTimeout,
		HeartbeatInterval: cfg.Coordinator.HeartbeatInterval,
		KillGrace:         cfg.Coordinator.KillGrace,
		SpawnRate:         cfg.Coordinator.SpawnRate,
		SpawnBurst:        cfg.Coordinator.SpawnBurst,
		ShuttleBin:        bin,
		LockTimeout:       cfg.Graph.LockTimeout,
	}, tm, executors, supOpts...)
	if err != nil {
		return err
	}

	coord, err := New(Config{
		MaxWorkers:    cfg.Coordinator.MaxWorkers,
		PollInterval:  cfg.Coordinator.PollInterval,
		DeadRetention: cfg.Coordinator.DeadRetention,
		Executor:      cfg.Coordinator.Executor,
		Model:         cfg.Coordinator.Model,
	}, tm, sup, coordOpts...)
	if err != nil {
		return err
	}

	// Binding first makes a second daemon on the same store fail fast.
	srv := control.NewServer(control.SocketPath(cfg.Graph.Dir), NewHandler(coord, logs, cancel))
	if err := srv.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return coord.Run(gctx) })

	if cfg.Watch.Enabled {
		w, err := watch.New(store.Path(), cfg.Watch.Debounce, coord.Trigger)
		if err != nil {
			log.Printf("[Daemon] File watching disabled: %v", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Printf("[Daemon] Serving metrics on %s/metrics", cfg.Metrics.ListenAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return httpSrv.Shutdown(sctx)
		})
	}

	log.Printf("[Daemon] Running for %s (pid %d)", store.Path(), os.Getpid())
	err = g.Wait()
	log.Printf("[Daemon] Stopped")
	return err
}
