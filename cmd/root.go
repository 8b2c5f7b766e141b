// Package cmd defines and implements the CLI commands of the jobstream
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/api"
	"github.com/JakeFAU/jobstream/internal/app"
	"github.com/JakeFAU/jobstream/internal/config"
	"github.com/JakeFAU/jobstream/internal/controller"
	"github.com/JakeFAU/jobstream/internal/jobapi"
	"github.com/JakeFAU/jobstream/internal/journal"
	"github.com/JakeFAU/jobstream/internal/logging"
	"github.com/JakeFAU/jobstream/internal/tui"
)

const (
	// annotationNoApp marks commands that run without the client services.
	annotationNoApp = "jobstream/no-app"
	// annotationPresenter marks commands that show job progress.
	annotationPresenter = "jobstream/presenter"

	shutdownTimeout = 10 * time.Second
)

// App defines the services the commands use. It lets tests inject a client
// wired to a simulated backend.
type App interface {
	Close(ctx context.Context)
	Logger() *zap.Logger
	Controller() *controller.Controller
	Client() *jobapi.Client
	History() journal.Repository
	OpsServer() (*api.Server, error)
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

type runtimeKeyType struct{}

var runtimeKey runtimeKeyType

// runtime is what PersistentPreRunE hands to the subcommands.
type runtime struct {
	cfg         config.Config
	logger      *zap.Logger
	app         App
	interactive bool
	ops         *http.Server
}

type rootOptions struct {
	configFile string
	envFiles   []string
	logFile    string
	plain      bool

	rt *runtime
}

func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "jobstream",
		Short: "Submit long-running jobs and follow their progress.",
		Long: `jobstream submits a job to the backend and follows its event stream,
showing a countdown, check and processing progress until the job succeeds,
fails or is cancelled. An interrupted session can be resumed with watch.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.build(cmd)
			if err != nil {
				return err
			}
			opts.rt = rt
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, rt))
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (YAML, TOML or JSON)")
	flags.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config")
	flags.StringVar(&opts.logFile, "log-file", "", "write logs to this file instead of stderr")
	flags.BoolVar(&opts.plain, "plain", false, "log progress lines instead of the interactive display")

	cmd.AddCommand(
		newSubmitCmd(),
		newWatchCmd(),
		newCancelCmd(),
		newHistoryCmd(),
		newSimulateCmd(),
	)
	return cmd, opts
}

// close releases what build created, whether or not the command failed.
func (o *rootOptions) close() {
	if o.rt != nil {
		o.rt.close()
		o.rt = nil
	}
}

func (o *rootOptions) build(cmd *cobra.Command) (*runtime, error) {
	if err := config.LoadDotEnv(o.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if f := cmd.Flags().Lookup("inline"); f != nil && f.Changed {
		cfg.Submit.Inline = f.Value.String() == "true"
	}

	rt := &runtime{cfg: cfg}
	_, presents := cmd.Annotations[annotationPresenter]
	rt.interactive = presents && !o.plain && tui.IsTerminal(os.Stdout)

	logFile := o.logFile
	if rt.interactive && logFile == "" {
		logFile = filepath.Join(os.TempDir(), "jobstream.log")
	}
	var paths []string
	if logFile != "" {
		paths = append(paths, logFile)
	}
	rt.logger, err = logging.New(cfg.Logging.Development, paths...)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(rt.logger)

	if _, skip := cmd.Annotations[annotationNoApp]; skip {
		return rt, nil
	}
	rt.app, err = newApp(cmd.Context(), cfg, rt.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize client services: %w", err)
	}
	if cfg.Metrics.Addr != "" {
		if err := rt.serveOps(); err != nil {
			rt.close()
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) serveOps() error {
	ops, err := rt.app.OpsServer()
	if err != nil {
		return fmt.Errorf("build ops server: %w", err)
	}
	rt.ops = &http.Server{
		Addr:              rt.cfg.Metrics.Addr,
		Handler:           ops.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		rt.logger.Info("ops server listening", zap.String("addr", rt.cfg.Metrics.Addr))
		if err := rt.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("ops server failed", zap.Error(err))
		}
	}()
	return nil
}

func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if rt.ops != nil {
		if err := rt.ops.Shutdown(ctx); err != nil {
			rt.logger.Warn("ops server shutdown", zap.Error(err))
		}
	}
	if rt.app != nil {
		rt.app.Close(ctx)
	}
	_ = rt.logger.Sync()
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("client services not initialized")
	}
	return rt, nil
}

func resolveApp(ctx context.Context) (*runtime, App, error) {
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return nil, nil, err
	}
	if rt.app == nil {
		return nil, nil, errors.New("client services not initialized")
	}
	return rt, rt.app, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root, opts := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	defer opts.close()
	return root.ExecuteContext(ctx)
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
