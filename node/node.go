package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/starkline/diffsync/config"
	"github.com/starkline/diffsync/internal/headersync"
	"github.com/starkline/diffsync/internal/source"
	"github.com/starkline/diffsync/internal/statesync"
	"github.com/starkline/diffsync/internal/store"
	"github.com/starkline/diffsync/libs/log"
	"github.com/starkline/diffsync/libs/service"
)

// DBID names the database the node stores its chain in.
const DBID = "diffsync"

// MetricsProvider returns the metrics of both pipelines.
type MetricsProvider func() (*headersync.Metrics, *statesync.Metrics)

// DefaultMetricsProvider returns Prometheus metrics when they are enabled
// in cfg and no-op metrics otherwise.
func DefaultMetricsProvider(cfg *config.InstrumentationConfig, moniker string) MetricsProvider {
	return func() (*headersync.Metrics, *statesync.Metrics) {
		if cfg.Prometheus {
			return headersync.PrometheusMetrics(cfg.Namespace, "moniker", moniker),
				statesync.PrometheusMetrics(cfg.Namespace, "moniker", moniker)
		}
		return headersync.NopMetrics(), statesync.NopMetrics()
	}
}

// Node keeps the store in step with the upstream chain: the header syncer
// extends the header chain, and the state diff pipeline fills in the state
// diffs behind it.
type Node struct {
	service.BaseService
	logger log.Logger

	config *config.Config
	db     dbm.DB
	store  *store.Store

	headerSync *headersync.Syncer
	stateSync  *statesync.Pipeline

	// set in OnStart when Prometheus is enabled
	metricsListener net.Listener

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewDefault is a config.ServiceProvider. It opens the database named by
// cfg and syncs from the feeder gateway at cfg.Source.URL.
func NewDefault(ctx context.Context, cfg *config.Config, logger log.Logger) (service.Service, error) {
	src, err := source.NewCentralSource(source.CentralConfig{
		URL:                cfg.Source.URL,
		ConcurrentRequests: cfg.Source.ConcurrentRequests,
		RequestTimeout:     cfg.Source.RequestTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating source: %w", err)
	}

	db, err := config.DefaultDBProvider(&config.DBContext{ID: DBID, Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	n, err := New(cfg, logger, db, src, DefaultMetricsProvider(cfg.Instrumentation, cfg.Moniker))
	if err != nil {
		db.Close()
		return nil, err
	}
	return n, nil
}

// New returns a Node syncing from src into db. The Node owns db and closes
// it when stopped.
func New(
	cfg *config.Config,
	logger log.Logger,
	db dbm.DB,
	src source.Source,
	metricsProvider MetricsProvider,
) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st := store.NewStore(db)
	hsMetrics, ssMetrics := metricsProvider()

	n := &Node{
		logger: logger,
		config: cfg,
		db:     db,
		store:  st,
		headerSync: headersync.NewSyncer(cfg.Sync, logger.With("module", "headersync"),
			src, st, hsMetrics),
		stateSync: statesync.NewPipeline(cfg.Sync, logger.With("module", "statesync"),
			src, statesync.StoreBackend(st), ssMetrics),
		done: make(chan struct{}),
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// Store returns the store the node writes to.
func (n *Node) Store() *store.Store { return n.store }

// StateSync returns the state diff pipeline.
func (n *Node) StateSync() *statesync.Pipeline { return n.stateSync }

// OnStart starts both pipelines and, when enabled, the Prometheus server.
func (n *Node) OnStart(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)

	txn, err := n.store.BeginReadTxn()
	if err != nil {
		n.cancel()
		return fmt.Errorf("reading markers: %w", err)
	}
	n.logger.Info("opened store",
		"header_marker", txn.HeaderMarker(),
		"state_marker", txn.StateMarker(),
		"db_dir", n.config.DBDir())

	if n.config.Instrumentation.Prometheus {
		if n.metricsListener, err = n.listenPrometheus(); err != nil {
			n.cancel()
			return err
		}
	}

	if err := n.headerSync.Start(ctx); err != nil {
		n.closeMetricsListener()
		n.cancel()
		return err
	}
	if err := n.stateSync.Start(ctx); err != nil {
		n.closeMetricsListener()
		n.cancel()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-n.stateSync.Done():
			return n.stateSync.Err()
		case <-gctx.Done():
			return nil
		}
	})
	if n.metricsListener != nil {
		n.servePrometheus(gctx, g, n.metricsListener)
	}

	go func() {
		defer close(n.done)
		if err := g.Wait(); err != nil {
			n.err = err
			n.logger.Error("node stopped", "err", err)
		}
		n.cancel()
	}()
	return nil
}

// OnStop stops both pipelines and closes the database.
func (n *Node) OnStop() {
	n.cancel()
	<-n.done

	for _, s := range []service.Service{n.headerSync, n.stateSync} {
		s.Wait()
	}
	if err := n.store.Close(); err != nil {
		n.logger.Error("closing store", "err", err)
	}
}

// Done is closed once the node has stopped syncing, either because it was
// stopped or because a pipeline gave up.
func (n *Node) Done() <-chan struct{} { return n.done }

// Err returns why the node stopped syncing on its own, or nil.
func (n *Node) Err() error {
	select {
	case <-n.done:
		return n.err
	default:
		return nil
	}
}

// listenPrometheus opens the metrics listener, capped at
// MaxOpenConnections simultaneous connections when that is positive.
func (n *Node) listenPrometheus() (net.Listener, error) {
	cfg := n.config.Instrumentation
	ln, err := net.Listen("tcp", cfg.PrometheusListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening for prometheus on %s: %w", cfg.PrometheusListenAddr, err)
	}
	if cfg.MaxOpenConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxOpenConnections)
	}
	return ln, nil
}

func (n *Node) closeMetricsListener() {
	if n.metricsListener != nil {
		n.metricsListener.Close()
	}
}

func (n *Node) servePrometheus(ctx context.Context, g *errgroup.Group, ln net.Listener) {
	addr := ln.Addr().String()
	srv := &http.Server{
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		n.logger.Info("prometheus server starting", "address", addr)
		err := srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("prometheus server stopped with error", "address", addr, "err", err)
			return err
		}
		n.logger.Info("prometheus server stopped", "address", addr)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}
