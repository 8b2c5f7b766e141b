package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/JakeFAU/jobstream/internal/controller"
)

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// Run shows the interactive presenter until the job ends or the user leaves.
// It returns the last update rendered.
func Run(ctx context.Context, ctrl Controller, title string, out io.Writer) (controller.Update, error) {
	m := NewModel(ctx, ctrl, title)
	prog := tea.NewProgram(m, tea.WithContext(ctx), tea.WithOutput(out))
	final, err := prog.Run()
	if err != nil {
		return ctrl.Snapshot(), fmt.Errorf("run presenter: %w", err)
	}
	if fm, ok := final.(Model); ok {
		return fm.Last(), nil
	}
	return ctrl.Snapshot(), nil
}

// PlainOptions tune the non-interactive presenter.
type PlainOptions struct {
	// ConfirmHighDeletions answers a high-deletion failure with a resubmit
	// instead of abandoning the job.
	ConfirmHighDeletions bool
	// Every throttles countdown lines. Phase changes are always logged.
	Every time.Duration
}

// Plain logs one line per meaningful update until the job ends. Cancelling
// ctx cancels the job.
func Plain(ctx context.Context, ctrl Controller, logger *zap.Logger, opts PlainOptions) (controller.Update, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Every <= 0 {
		opts.Every = 5 * time.Second
	}

	last := ctrl.Snapshot()
	var lastLogged time.Time
	logUpdate := func(u controller.Update, force bool) {
		if !force && time.Since(lastLogged) < opts.Every {
			return
		}
		lastLogged = time.Now()
		fields := []zap.Field{
			zap.String("job_id", u.JobID),
			zap.String("phase", string(u.View.Phase)),
			zap.Float64("fraction", u.View.Fraction),
		}
		if u.Outcome != controller.OutcomeNone {
			fields = append(fields, zap.String("outcome", string(u.Outcome)))
		}
		logger.Info(Message(u), fields...)
		if u.Notice != "" {
			logger.Warn(u.Notice, zap.String("job_id", u.JobID))
		}
	}
	logUpdate(last, true)
	if Finished(last) {
		return last, nil
	}

	done := ctx.Done()
	for {
		select {
		case <-done:
			// Wait for the cancelled update after this.
			done = nil
			cctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			err := ctrl.Cancel(cctx)
			cancel()
			if errors.Is(err, controller.ErrNoActiveJob) {
				return ctrl.Snapshot(), nil
			}
			if err != nil {
				return ctrl.Snapshot(), fmt.Errorf("cancel job: %w", err)
			}
		case u := <-ctrl.Updates():
			force := u.View.Phase != last.View.Phase || u.Outcome != last.Outcome || u.Notice != "" || u.NeedsConfirmation
			last = u
			logUpdate(u, force)
			if u.NeedsConfirmation {
				rctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
				_, err := ctrl.Resolve(rctx, opts.ConfirmHighDeletions)
				cancel()
				if err != nil && !errors.Is(err, controller.ErrNothingToResolve) {
					return last, fmt.Errorf("resolve high deletions: %w", err)
				}
				continue
			}
			if Finished(u) {
				return u, nil
			}
		}
	}
}
