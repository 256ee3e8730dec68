// Command permitstress pushes a batch of tasks through a semaphore using one of
// its acquisition modes, optionally adding permits while the run is in
// progress, and verifies that the permit invariants held.
//
// Usage:
//
//	permitstress [flags]
//
// It exits with status 1 if more tasks ran at once than there were permits, if
// permits went missing, or if the run did not finish before --timeout.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/pflag"

	"github.com/notorious-go/permits/group"
	"github.com/notorious-go/permits/logging"
	"github.com/notorious-go/permits/metrics"
	"github.com/notorious-go/permits/semaphore"
	"github.com/notorious-go/permits/trace"
)

var plog = logging.PackageLogger()

// Acquisition modes accepted by --mode.
const (
	modeTry      = "try"
	modeAcquire  = "acquire"
	modeBlocking = "blocking"
	modeOwned    = "owned"
)

type options struct {
	Permits     int
	Add         int
	AddInterval time.Duration
	Workers     int
	Tasks       int
	Hold        time.Duration
	Mode        string
	Timeout     time.Duration
	LogLevel    string
	Metrics     bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("permitstress", pflag.ContinueOnError)
	fs.IntVarP(&o.Permits, "permits", "p", 4, "initial number of permits")
	fs.IntVar(&o.Add, "add", 0, "permits to add one at a time while tasks run")
	fs.DurationVar(&o.AddInterval, "add-interval", 10*time.Millisecond, "delay between added permits")
	fs.IntVarP(&o.Workers, "workers", "w", 16, "goroutines competing for permits (ignored by --mode=owned)")
	fs.IntVarP(&o.Tasks, "tasks", "n", 1000, "number of tasks to run")
	fs.DurationVar(&o.Hold, "hold", time.Millisecond, "how long each task holds its permit")
	fs.StringVarP(&o.Mode, "mode", "m", modeAcquire, "acquisition mode: try, acquire, blocking or owned")
	fs.DurationVar(&o.Timeout, "timeout", 30*time.Second, "abort the run after this long")
	fs.StringVar(&o.LogLevel, "log-level", "info", "log level (debug logs every permit)")
	fs.BoolVar(&o.Metrics, "metrics", true, "print semaphore metrics when done")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, o.validate()
}

func (o options) validate() error {
	switch o.Mode {
	case modeTry, modeAcquire, modeBlocking, modeOwned:
	default:
		return fmt.Errorf("unknown mode %q", o.Mode)
	}
	if o.Permits < 0 || o.Add < 0 || o.Tasks < 0 {
		return errors.New("--permits, --add and --tasks must not be negative")
	}
	if o.Permits+o.Add == 0 && o.Tasks > 0 {
		return errors.New("no permits: set --permits or --add")
	}
	// Blocking workers cannot be interrupted, so they must never depend on
	// permits that a timed-out run would not add.
	if o.Mode == modeBlocking && o.Permits == 0 && o.Tasks > 0 {
		return errors.New("--mode=blocking needs --permits > 0")
	}
	if o.Workers < 1 {
		return errors.New("--workers must be at least 1")
	}
	return nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "permitstress:", err)
		os.Exit(2)
	}
	if err := logging.Configure(os.Stderr, opts.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "permitstress:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, opts, os.Stdout); err != nil {
		plog.WithError(err).Error("Run failed")
		os.Exit(1)
	}
}

// tracker counts tasks holding a permit at the same time.
type tracker struct {
	mu       sync.Mutex
	current  int
	observed int
}

func (t *tracker) enter() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current++
	t.observed = max(t.observed, t.current)
}

func (t *tracker) exit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current--
}

func (t *tracker) max() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observed
}

// report summarises a finished run.
type report struct {
	Tasks          int
	MaxConcurrency int
	Available      int
	Elapsed        time.Duration
}

func run(ctx context.Context, opts options, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	registry := gometrics.NewRegistry()
	sem := semaphore.Config{
		Name:  "permitstress",
		Trace: trace.Combine(metrics.Trace(registry, "permitstress"), logging.Trace(plog)),
	}.New(opts.Permits)

	logger := plog.WithField("mode", opts.Mode)
	logger.WithField("semaphore", sem).Info("Starting run")

	rep, err := execute(ctx, opts, sem)
	if err != nil {
		return err
	}
	logger.WithField("elapsed", rep.Elapsed).Info("Run finished")

	fmt.Fprintf(out, "tasks=%v max-concurrency=%v available=%v elapsed=%v\n",
		rep.Tasks, rep.MaxConcurrency, rep.Available, rep.Elapsed.Round(time.Millisecond))
	if opts.Metrics {
		gometrics.WriteOnce(registry, out)
	}

	limit := opts.Permits + opts.Add
	if rep.MaxConcurrency > limit {
		return fmt.Errorf("%v tasks held permits at once, but only %v permits exist", rep.MaxConcurrency, limit)
	}
	if rep.Available != limit {
		return fmt.Errorf("%v permits available after the run, want %v", rep.Available, limit)
	}
	return nil
}

func execute(ctx context.Context, opts options, sem *semaphore.Semaphore) (report, error) {
	var (
		tr    tracker
		start = time.Now()
	)
	work := func() {
		tr.enter()
		time.Sleep(opts.Hold)
		tr.exit()
	}

	// The background group replenishes permits and, for every mode except owned,
	// runs the workers that compete for them.
	bg, bgctx := group.WithContext(ctx, nil)
	_ = bg.Go(func(ctx context.Context) error {
		for i := range opts.Add {
			select {
			case <-time.After(opts.AddInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
			sem.AddPermits(1)
			plog.WithField("added", i+1).Debug("Replenished")
		}
		return nil
	})

	var err error
	if opts.Mode == modeOwned {
		err = runOwned(bgctx, opts.Tasks, sem, work)
	} else {
		err = runWorkers(bgctx, bg, opts, sem, work)
	}
	if werr := bg.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return report{}, err
	}
	return report{
		Tasks:          opts.Tasks,
		MaxConcurrency: tr.max(),
		Available:      sem.Available(),
		Elapsed:        time.Since(start),
	}, nil
}

// runOwned submits every task through a group limited by sem, so the permit is
// acquired by the submitting goroutine and released by the task's goroutine.
func runOwned(ctx context.Context, tasks int, sem *semaphore.Semaphore, work func()) error {
	g, _ := group.WithContext(ctx, sem)
	for range tasks {
		if err := g.Go(func(context.Context) error {
			work()
			return nil
		}); err != nil {
			_ = g.Wait()
			return err
		}
	}
	return g.Wait()
}

// runWorkers feeds tasks to opts.Workers goroutines which acquire a permit per
// task in the configured mode.
func runWorkers(ctx context.Context, g *group.Group, opts options, sem *semaphore.Semaphore, work func()) error {
	tasks := make(chan struct{})
	defer close(tasks)
	for range opts.Workers {
		if err := g.Go(func(ctx context.Context) error {
			for range tasks {
				if err := runTask(ctx, opts.Mode, sem, work); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	for range opts.Tasks {
		select {
		case tasks <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func runTask(ctx context.Context, mode string, sem *semaphore.Semaphore, work func()) error {
	switch mode {
	case modeTry:
		for {
			if g, ok := sem.TryAcquire(); ok {
				defer g.Release()
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(50 * time.Microsecond)
		}
	case modeAcquire:
		g, err := sem.Acquire(ctx)
		if err != nil {
			return err
		}
		defer g.Release()
	case modeBlocking:
		defer sem.AcquireBlocking().Release()
	}
	work()
	return nil
}
