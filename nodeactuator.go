package nodeactuator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/nodeactuator/internal/actuator"
	"github.com/loykin/nodeactuator/internal/config"
	"github.com/loykin/nodeactuator/internal/dns"
	"github.com/loykin/nodeactuator/internal/history"
	"github.com/loykin/nodeactuator/internal/history/factory"
	"github.com/loykin/nodeactuator/internal/logger"
	"github.com/loykin/nodeactuator/internal/metrics"
	"github.com/loykin/nodeactuator/internal/probe"
	"github.com/loykin/nodeactuator/internal/server"
	"github.com/loykin/nodeactuator/internal/status"
	itls "github.com/loykin/nodeactuator/internal/tls"
	"github.com/loykin/nodeactuator/internal/worker"
)

// Re-export core types for external consumers.

type Status = status.Status

const (
	Off       = status.Off
	Serving   = status.Serving
	Consuming = status.Consuming
	Invalid   = status.Invalid
)

type Config = config.Config

type View = status.View

// ErrStopped is returned by requests made after the daemon stopped.
var ErrStopped = actuator.ErrStopped

const defaultShutdownTimeout = 10 * time.Second

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

type daemonOptions struct {
	logger          *slog.Logger
	registerer      prometheus.Registerer
	probe           probe.Probe
	dns             dns.Provider
	spawner         worker.Spawner
	presenters      []status.Presenter
	shutdownTimeout time.Duration
}

type Option func(*daemonOptions)

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(o *daemonOptions) { o.logger = l } }

// WithRegisterer registers metrics somewhere other than the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *daemonOptions) { o.registerer = r }
}

func WithProbe(p probe.Probe) Option      { return func(o *daemonOptions) { o.probe = p } }
func WithDNS(d dns.Provider) Option       { return func(o *daemonOptions) { o.dns = d } }
func WithSpawner(s worker.Spawner) Option { return func(o *daemonOptions) { o.spawner = s } }
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *daemonOptions) { o.shutdownTimeout = d }
}

// WithPresenter adds a presenter next to the in-memory board and the log.
func WithPresenter(p status.Presenter) Option {
	return func(o *daemonOptions) { o.presenters = append(o.presenters, p) }
}

// Daemon wires the actuator to its host integrations, history sinks and HTTP
// surfaces. It implements server.Controller.
type Daemon struct {
	cfg    *Config
	logger *slog.Logger
	opts   daemonOptions

	act       *actuator.Actuator
	board     *status.Board
	recorder  *history.Recorder
	sinks     []history.Sink
	collector prometheus.Collector
	closers   []io.Closer
}

// NewDaemon builds a daemon from cfg. Nothing runs until Run is called.
func NewDaemon(cfg *Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	o := daemonOptions{registerer: prometheus.DefaultRegisterer, shutdownTimeout: defaultShutdownTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	d := &Daemon{cfg: cfg, opts: o, board: status.NewBoard()}

	if o.logger == nil {
		l, closer, err := logger.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		o.logger = l
		d.closers = append(d.closers, closer)
	}
	d.logger = o.logger

	if o.dns == nil {
		p, err := d.newDNS()
		if err != nil {
			_ = d.release()
			return nil, err
		}
		o.dns = p
	}
	if o.probe == nil {
		o.probe = probe.New(cfg.Worker.Match, d.logger)
	}
	if o.spawner == nil {
		spec, err := cfg.WorkerSpec()
		if err != nil {
			_ = d.release()
			return nil, fmt.Errorf("worker: %w", err)
		}
		o.spawner = worker.NewLauncher(spec, d.logger)
	}

	for _, dsn := range cfg.History.Targets() {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = d.release()
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		d.sinks = append(d.sinks, sink)
	}

	if err := metrics.Register(o.registerer); err != nil {
		_ = d.release()
		return nil, fmt.Errorf("metrics: %w", err)
	}

	presenters := status.Multi{d.board, status.LogPresenter{Logger: d.logger}}
	presenters = append(presenters, o.presenters...)
	aopts := []actuator.Option{
		actuator.WithLogger(d.logger),
		actuator.WithAdoptPoll(cfg.Worker.AdoptPollInterval),
	}
	if len(d.sinks) > 0 {
		d.recorder = history.NewRecorder(d.logger, d.sinks...)
		aopts = append(aopts, actuator.WithRecorder(d.recorder))
	}
	d.act = actuator.New(o.probe, o.dns, o.spawner, presenters, aopts...)

	c := metrics.NewWorkerCollector(d.act.PID)
	if err := o.registerer.Register(c); err != nil {
		d.logger.Debug("worker collector not registered", "error", err)
	} else {
		d.collector = c
	}
	d.opts = o
	return d, nil
}

func (d *Daemon) newDNS() (dns.Provider, error) {
	if d.cfg.DNS.DryRun {
		d.logger.Warn("dns dry run enabled, host DNS is left untouched")
		return dns.NewMemory(dns.ModeReverted), nil
	}
	env, err := d.cfg.DNSEnv()
	if err != nil {
		return nil, fmt.Errorf("dns: %w", err)
	}
	return &dns.CommandProvider{
		StatusCommand:  d.cfg.DNS.StatusCommand,
		RevertCommand:  d.cfg.DNS.RevertCommand,
		SubvertCommand: d.cfg.DNS.SubvertCommand,
		Env:            env,
		Logger:         d.logger,
	}, nil
}

// Run reconciles once so the initial status reflects the host, serves the
// configured HTTP surfaces and blocks until ctx is done. It then reverts DNS,
// stops the worker and waits (bounded) for the revert before returning.
func (d *Daemon) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	g, gctx := errgroup.WithContext(ctx)

	loopDone := make(chan struct{})
	g.Go(func() error {
		defer close(loopDone)
		return d.act.Run(loopCtx)
	})

	initial, err := d.act.Reconcile(gctx)
	if err != nil {
		stopLoop()
		_ = g.Wait()
		return fmt.Errorf("initial reconcile: %w", err)
	}
	d.logger.Info("node actuator started", "status", initial, "pid", d.act.PID())

	servers, err := d.serve()
	if err != nil {
		closeServers(servers)
		stopLoop()
		_ = g.Wait()
		return err
	}

	g.Go(func() error {
		<-gctx.Done()
		d.shutdown(servers)
		stopLoop()
		<-loopDone
		return nil
	})
	return g.Wait()
}

func (d *Daemon) serve() ([]*http.Server, error) {
	var servers []*http.Server
	if addr := d.cfg.Server.Listen; addr != "" {
		r := server.NewRouter(d, d.cfg.Server.BasePath)
		if d.cfg.Metrics.Listen == "" {
			r.WithMetrics(metrics.Handler())
		}
		tlsCfg, err := itls.Setup(d.cfg.Server.TLS)
		if err != nil {
			return nil, fmt.Errorf("api tls: %w", err)
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("api listen: %w", err)
		}
		srv := &http.Server{
			Addr:              ln.Addr().String(),
			Handler:           r.Handler(),
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			var err error
			if tlsCfg != nil {
				err = srv.ServeTLS(ln, "", "")
			} else {
				err = srv.Serve(ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("api server failed", "addr", addr, "error", err)
			}
		}()
		d.logger.Info("api listening", "addr", srv.Addr, "base_path", d.cfg.Server.BasePath, "tls", tlsCfg != nil)
		servers = append(servers, srv)
	}
	if addr := d.cfg.Metrics.Listen; addr != "" {
		srv, err := server.NewMetricsServer(addr, metrics.Handler())
		if err != nil {
			return servers, fmt.Errorf("metrics server: %w", err)
		}
		d.logger.Info("metrics listening", "addr", addr)
		servers = append(servers, srv)
	}
	return servers, nil
}

// closeServers drops servers that were started before a later one failed.
func closeServers(servers []*http.Server) {
	for _, srv := range servers {
		_ = srv.Close()
	}
}

func (d *Daemon) shutdown(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			d.logger.Warn("http shutdown", "addr", srv.Addr, "error", err)
		}
	}
	if err := d.act.Shutdown(ctx); err != nil {
		d.logger.Warn("actuator shutdown", "error", err)
	}
	reverted := make(chan struct{})
	go func() {
		d.act.Wait()
		close(reverted)
	}()
	select {
	case <-reverted:
	case <-ctx.Done():
		d.logger.Warn("gave up waiting for dns revert", "timeout", d.opts.shutdownTimeout)
	}
}

// Close releases history sinks, the metrics collector and the log file.
// Call it after Run returned.
func (d *Daemon) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.shutdownTimeout)
	defer cancel()
	var errs []error
	if d.recorder != nil {
		errs = append(errs, d.recorder.Close(ctx))
	}
	if d.collector != nil {
		d.opts.registerer.Unregister(d.collector)
		d.collector = nil
	}
	errs = append(errs, d.release())
	return errors.Join(errs...)
}

func (d *Daemon) release() error {
	var errs []error
	for _, s := range d.sinks {
		errs = append(errs, factory.Close(s))
	}
	d.sinks = nil
	for _, c := range d.closers {
		errs = append(errs, c.Close())
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *Daemon) Request(ctx context.Context, s Status) error { return d.act.Request(ctx, s) }

func (d *Daemon) Reconcile(ctx context.Context) (Status, error) { return d.act.Reconcile(ctx) }

// View is what the presenters last showed.
func (d *Daemon) View() View { return d.board.Snapshot() }

func (d *Daemon) Current() Status { return d.act.Current() }

func (d *Daemon) PID() int { return d.act.PID() }

var _ server.Controller = (*Daemon)(nil)
