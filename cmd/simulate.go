package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/jobapi"
	"github.com/JakeFAU/jobstream/internal/metrics"
	"github.com/JakeFAU/jobstream/internal/simserver"
)

type simulateOptions struct {
	addr          string
	dialect       string
	failDeletions float64
	failReason    string
	rejectAbort   bool
	stall         bool
}

func newSimulateCmd() *cobra.Command {
	return (&simulateOptions{}).command()
}

func (o *simulateOptions) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted job backend for demos and local testing",
		Long: `simulate serves the submission, status, abort and download routes with
scripted jobs. Point server.base_url at it to try the client end to end.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoApp: ""},
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return o.run(cmd.Context(), rt, cmd)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&o.addr, "addr", "", "listen address (default simulator.addr)")
	flags.StringVar(&o.dialect, "dialect", "", "event dialect: canonical, legacy or snapshot (default simulator.dialect)")
	flags.Float64Var(&o.failDeletions, "fail-deletions", 0, "fail jobs reporting this deletion percentage unless high_deletions_ok is sent")
	flags.StringVar(&o.failReason, "fail", "", "fail every job with this reason")
	flags.BoolVar(&o.rejectAbort, "reject-abort", false, "answer every abort with 500")
	flags.BoolVar(&o.stall, "stall", false, "never complete the timed wait")
	return cmd
}

func (o *simulateOptions) scenario(rt *runtime, cmd *cobra.Command) (simserver.Scenario, error) {
	sc := simserver.DefaultScenario()
	sim := rt.cfg.Simulator
	sc.TimedWaitSeconds = sim.TimedWaitSeconds
	sc.CheckCount = sim.CheckCount
	sc.Units = sim.Units
	sc.StepDelay = sim.StepDelay
	if sim.Dialect != "" {
		sc.Dialect = simserver.Dialect(sim.Dialect)
	}
	if cmd.Flags().Changed("dialect") {
		switch d := simserver.Dialect(o.dialect); d {
		case simserver.DialectCanonical, simserver.DialectLegacy, simserver.DialectSnapshot:
			sc.Dialect = d
		default:
			return sc, fmt.Errorf("unknown dialect %q", o.dialect)
		}
	}
	switch {
	case o.failDeletions > 0:
		reason := o.failReason
		if reason == "" {
			reason = "too many deletions"
		}
		sc.Fail = &simserver.Failure{Reason: reason, DeletionPercentage: o.failDeletions}
	case o.failReason != "":
		sc.Fail = &simserver.Failure{Reason: o.failReason}
	}
	sc.RejectAbort = o.rejectAbort
	sc.StallTimedWait = o.stall
	return sc, nil
}

func (o *simulateOptions) run(ctx context.Context, rt *runtime, cmd *cobra.Command) error {
	sc, err := o.scenario(rt, cmd)
	if err != nil {
		return err
	}
	addr := o.addr
	if addr == "" {
		addr = rt.cfg.Simulator.Addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m, err := metrics.NewHTTP(reg, "simulator")
	if err != nil {
		return err
	}
	logger := rt.logger.Named("simulator")
	sim := simserver.New(sc,
		simserver.WithLogger(logger),
		simserver.WithPaths(jobapi.Paths(rt.cfg.Server.Paths)),
		simserver.WithMetrics(m),
	)
	defer sim.Close()

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))
	r.Mount("/", sim.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// Open streams end with the command context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("simulator listening",
			zap.String("addr", addr),
			zap.String("dialect", string(sc.Dialect)),
			zap.Bool("reject_abort", sc.RejectAbort),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("simulator server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down simulator")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown simulator: %w", err)
	}
	return nil
}
