package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/actuation"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/config"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/engine"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/feed"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/healing"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/logging"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/metrics"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/server"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/sim"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

var (
	simulate       bool
	nearMiss       bool
	collisionEvery int
	traceStdout    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the certification controller",
	Long: `Start the controller. States arrive over the PublishState RPC, or from the
built-in simulator with --simulate. The process refuses to start when the
configuration or the rigor parameters do not validate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, slog.Default())
	},
}

func init() {
	runCmd.Flags().BoolVar(&simulate, "simulate", false, "Drive the controller from the built-in robot simulator")
	runCmd.Flags().BoolVar(&nearMiss, "near-miss", false, "Start the simulator with the near-miss obstacle on")
	runCmd.Flags().IntVar(&collisionEvery, "collision-every", 0, "Simulate a collision every N ticks (0 disables)")
	runCmd.Flags().BoolVar(&traceStdout, "trace", false, "Export gRPC spans to stdout")
	rootCmd.AddCommand(runCmd)
}

// #region run
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// 1. Evidence store
	store, err := state.NewStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	if err := recordStartupRigor(store, cfg.Rigor, logger); err != nil {
		return err
	}

	// 2. Audit pipeline
	sinks := logging.MultiSink{logging.NewStoreSink(store)}
	if cfg.Audit.JSONLPath != "" {
		f, err := os.OpenFile(cfg.Audit.JSONLPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer f.Close()
		sinks = append(sinks, logging.NewJSONLinesSink(f))
	}
	audit := logging.NewPipeline(sinks, cfg.AuditConfig(), logger)
	defer audit.Close()

	// 3. Environment
	var initial environment.Snapshot
	if cfg.Environment.File != "" {
		if initial, err = environment.LoadFile(cfg.Environment.File); err != nil {
			return err
		}
	}
	env := environment.NewProvider(initial, logger)

	// 4. State source
	var (
		source   engine.StateSource
		pushed   *engine.LatestState
		simState *sim.Source
	)
	if simulate {
		sc := sim.DefaultConfig()
		sc.Center = cfg.Scorer.Goal
		sc.Hz = cfg.Engine.TickHz
		sc.CollisionEvery = collisionEvery
		simState = sim.New(sc, env, logger)
		if nearMiss {
			simState.ToggleNearMiss()
		}
		source = simState
	} else {
		pushed = &engine.LatestState{}
		source = pushed
	}

	// 5. Engine
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hub := feed.NewHub(feed.DefaultConfig(), logger)
	motion := actuation.NewChannelSink(64)
	eng, err := engine.New(cfg, engine.Deps{
		Source:      source,
		Environment: env,
		Actuation:   motion,
		Audit:       audit,
		Metrics:     metrics.New(reg),
		Logger:      logger,
		Observer:    func(s engine.Snapshot) { hub.Broadcast(s) },
	})
	if err != nil {
		return err
	}
	if err := eng.Ready(); err != nil {
		return fmt.Errorf("controller not ready: %w", err)
	}
	if simState != nil {
		simState.OnCollision = func(ev healing.CollisionEvent) { eng.HandleCollision(ev) }
	}

	// 6. Tracing
	if traceStdout {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	// 7. Surfaces
	svc := server.New(eng, logger)
	if pushed != nil {
		svc.AcceptStates(pushed)
	}
	grpcSrv := server.NewGRPCServer(svc)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := eng.Ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	servers := []*http.Server{{Addr: cfg.Server.MetricsAddr, Handler: mux}}
	if cfg.Server.FeedAddr == "" {
		mux.Handle("/feed", hub)
	} else {
		feedMux := http.NewServeMux()
		feedMux.Handle("/feed", hub)
		servers = append(servers, &http.Server{Addr: cfg.Server.FeedAddr, Handler: feedMux})
	}

	logger.Info("controller starting",
		"db", cfg.Storage.DBPath, "grpc", lis.Addr().String(), "metrics", cfg.Server.MetricsAddr,
		"simulate", simulate, "tick_hz", cfg.Engine.TickHz)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return drainMotion(gctx, motion, logger) })
	if simState != nil {
		g.Go(func() error { return simState.Run(gctx) })
	}
	if cfg.Environment.File != "" && cfg.Environment.Watch {
		g.Go(func() error { return env.Watch(gctx, cfg.Environment.File, 0) })
	}
	g.Go(func() error {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		grpcSrv.GracefulStop()
		return nil
	})
	for _, srv := range servers {
		g.Go(func() error { return serveHTTP(gctx, srv) })
	}

	err = g.Wait()
	st := eng.Stats()
	logger.Info("controller stopped",
		"status", eng.Status().String(), "breaches", st.Breaches, "lockdowns", st.Lockdowns,
		"audit_dropped", audit.Stats().Dropped)
	return err
}

// #endregion run

// #region helpers

// recordStartupRigor versions the configured parameters when they differ
// from the last committed set. Tightened margins do not survive a restart.
func recordStartupRigor(store *state.Store, p state.RigorParameters, logger *slog.Logger) error {
	cur, err := store.GetCurrentRigor()
	if errors.Is(err, state.ErrNotFound) {
		logger.Info("no rigor history, creating initial version")
		_, err = store.CreateInitialRigor(p)
		return err
	}
	if err != nil {
		return fmt.Errorf("read rigor: %w", err)
	}
	if cur.Params == p {
		return nil
	}
	logger.Info("configured rigor differs from last committed version",
		"last_version", cur.VersionID, "last_margin", cur.Params.CurrentMargin, "margin", p.CurrentMargin)
	_, err = store.CommitRigor(p, "startup")
	return err
}

// drainMotion stands in for the base driver: commands are logged and
// discarded.
func drainMotion(ctx context.Context, sink *actuation.ChannelSink, logger *slog.Logger) error {
	logger = logger.With("component", "actuation")
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-sink.C():
			logger.Debug("motion command", "stop", cmd.Stop,
				"linear", cmd.Linear.Norm(), "angular", cmd.Angular.Norm())
		}
	}
}

func serveHTTP(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

// setupTracing installs a stdout span exporter as the global provider.
func setupTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "navcert"))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// #endregion helpers
