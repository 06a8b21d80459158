// Command threadcore soak tests the thread registry and semaphore, by
// simulating a thread lifecycle manager, then verifying the final state.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/cockroachdb/errors"
	"github.com/joeycumines/go-threadcore/posix"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	flag "github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command, writing logs to w, and returning the exit code.
func run(ctx context.Context, args []string, w io.Writer) int {
	fs := newFlagSet(`threadcore`)
	fs.SetOutput(w)

	cfg, err := loadConfig(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		_, _ = fmt.Fprintf(w, "threadcore: %v\n", err)
		return 2
	}

	logger := newLogger(w, cfg.LogLevel)

	if err := soakMain(ctx, cfg, logger); err != nil {
		code := posix.ExitCode(err)
		logger.Err().
			Err(err).
			Str(`errno`, posix.Errno(err).Error()).
			Int(`code`, code).
			Log(`threadcore: soak failed`)
		return code
	}

	return 0
}

func soakMain(ctx context.Context, cfg *config, logger *logiface.Logger[logiface.Event]) error {
	x, err := newSoak(cfg, logger)
	if err != nil {
		return err
	}
	defer x.Close()

	if cfg.MetricsAddr != `` {
		stop, addr, err := serveMetrics(cfg.MetricsAddr, newMetricsRegistry(x))
		if err != nil {
			return err
		}
		defer stop()
		logger.Info().
			Str(`addr`, addr.String()).
			Log(`threadcore: serving metrics`)
	}

	logger.Info().
		Int(`lifecycles`, cfg.Lifecycles).
		Int(`workers`, cfg.Workers).
		Str(`strategy`, cfg.Strategy.String()).
		Bool(`batch`, cfg.Batch).
		Log(`threadcore: starting soak`)

	r, err := x.Run(ctx)
	if err != nil {
		return err
	}

	b := logger.Notice().
		Int64(`served`, r.Served).
		Int64(`reused`, r.Reused).
		Int64(`posted`, r.Posted).
		Int64(`backoffs`, r.Backoffs).
		Int(`threads`, r.Threads).
		Int(`final_value`, r.FinalValue).
		Int(`allocated`, r.Registry.Allocated).
		Uint64(`wakeups`, r.Sema.Wakeups).
		Uint64(`rejected`, r.Sema.Rejected).
		Dur(`elapsed`, r.Elapsed)
	if cfg.Batch {
		b = b.Uint64(`batches`, r.Poster.Batches).
			Uint64(`batch_retries`, r.Poster.Retries)
	}
	b.Log(`threadcore: soak complete`)

	return nil
}

func newLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}
