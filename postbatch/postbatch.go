package postbatch

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-threadcore/sema"
	"github.com/joeycumines/logiface"
)

// ErrClosed is returned by Poster.Post once the Poster is closed, including
// for requests that were queued, but not yet posted, at the time of closing.
var ErrClosed = errors.New(`postbatch: poster closed`)

type (
	// Target is the semaphore that a Poster posts to, e.g. *sema.Semaphore.
	Target interface {
		Post(count int) error
	}

	// Config models optional configuration, for New.
	Config struct {
		// Logger is used for debug logging, and is disabled if nil.
		Logger *logiface.Logger[logiface.Event]

		// MaxSize is the maximum number of requests per batch. Setting this
		// to a value < 0 disables the maximum.
		//
		// Defaults to 16, if 0.
		MaxSize int

		// MinSize is the target minimum number of requests per batch. A batch
		// smaller than MinSize is posted once PartialTimeout has elapsed,
		// since its first request was received.
		//
		// Defaults to 4, if 0.
		MinSize int

		// PartialTimeout is the maximum time to wait for MinSize requests.
		// Setting this to a value < 0 disables the timeout, meaning every
		// batch will contain at least MinSize requests.
		//
		// Defaults to 1ms, if 0.
		PartialTimeout time.Duration
	}

	// Poster accepts post requests, combining them into batches. Instances
	// must be initialized using the New factory, and should be closed when
	// no longer needed.
	Poster struct {
		target         Target
		logger         *logiface.Logger[logiface.Event]
		ctx            context.Context
		cancel         context.CancelFunc
		done           chan struct{}
		reqCh          chan *request
		maxSize        int
		minSize        int
		partialTimeout time.Duration
		stats          posterStats
	}

	// Stats models counters for a Poster, see Poster.Stats.
	Stats struct {
		// Requests is the number of requests posted, successfully or not.
		Requests uint64
		// Batches is the number of combined posts made to the target.
		Batches uint64
		// Retries is the number of batches that were split into individual
		// posts, after the combined post exceeded the target's maximum.
		Retries uint64
	}

	posterStats struct {
		requests atomic.Uint64
		batches  atomic.Uint64
		retries  atomic.Uint64
	}

	request struct {
		err   error
		done  chan struct{}
		count int
	}
)

// New initializes a Poster for target. The cfg parameter is optional, and may
// be nil, in which case the documented defaults will be used. A panic will
// occur if target is nil.
func New(target Target, cfg *Config) *Poster {
	if target == nil {
		panic(`postbatch: nil target`)
	}

	x := Poster{
		target:         target,
		done:           make(chan struct{}),
		reqCh:          make(chan *request),
		maxSize:        16,
		minSize:        4,
		partialTimeout: time.Millisecond,
	}

	if cfg != nil {
		x.logger = cfg.Logger
		if cfg.MaxSize != 0 {
			x.maxSize = cfg.MaxSize
		}
		if cfg.MinSize != 0 {
			x.minSize = cfg.MinSize
		}
		if cfg.PartialTimeout != 0 {
			x.partialTimeout = cfg.PartialTimeout
		}
	}

	x.ctx, x.cancel = context.WithCancel(context.Background())

	go x.run()

	return &x
}

// Post queues count units to be posted to the target, blocking until they
// have been, returning the target's error for this request, if any.
//
// If ctx is done before the request is accepted, ctx.Err() is returned, and
// nothing is posted. If ctx is done after the request was accepted, ctx.Err()
// is returned, but the post may still take effect.
//
// A non-positive count fails with sema.ErrInvalidArgument, without being
// queued.
func (x *Poster) Post(ctx context.Context, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if count <= 0 {
		return sema.ErrInvalidArgument
	}
	if x.ctx.Err() != nil {
		return ErrClosed
	}

	req := request{count: count, done: make(chan struct{})}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-x.ctx.Done():
		return ErrClosed
	case x.reqCh <- &req:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-req.done:
		return req.err
	}
}

// Close stops the Poster, failing any queued requests with ErrClosed, and
// blocking until the background goroutine has exited. Requests already being
// posted are allowed to complete.
func (x *Poster) Close() error {
	x.cancel()
	<-x.done
	return nil
}

// Stats returns a snapshot of the Poster's counters.
func (x *Poster) Stats() Stats {
	return Stats{
		Requests: x.stats.requests.Load(),
		Batches:  x.stats.batches.Load(),
		Retries:  x.stats.retries.Load(),
	}
}

func (x *Poster) run() {
	defer close(x.done)

	var batch []*request

	for {
		var err error
		batch, err = x.collect(batch)

		if err != nil {
			for _, req := range batch {
				req.finish(ErrClosed)
			}
			return
		}

		x.flush(batch)

		clear(batch)
		batch = batch[:0]
	}
}

// collect appends queued requests to batch, blocking until the batch is
// ready to be posted, or the Poster is closed. A batch is ready once it has
// MinSize requests, or PartialTimeout has elapsed since its first request,
// after which it takes whatever else is queued, up to MaxSize.
func (x *Poster) collect(batch []*request) ([]*request, error) {
	var (
		partial <-chan time.Time
		expired bool
	)
	for {
		if x.maxSize > 0 && len(batch) >= x.maxSize {
			return batch, nil
		}

		if len(batch) != 0 && (expired || len(batch) >= x.minSize) {
			select {
			case <-x.ctx.Done():
				return batch, x.ctx.Err()
			case req := <-x.reqCh:
				batch = append(batch, req)
				continue
			default:
				return batch, nil
			}
		}

		select {
		case <-x.ctx.Done():
			return batch, x.ctx.Err()

		case <-partial:
			expired = true

		case req := <-x.reqCh:
			batch = append(batch, req)
			if partial == nil && x.partialTimeout > 0 {
				timer := time.NewTimer(x.partialTimeout)
				defer timer.Stop()
				partial = timer.C
			}
		}
	}
}

func (x *Poster) flush(batch []*request) {
	if len(batch) == 0 {
		return
	}

	x.stats.requests.Add(uint64(len(batch)))

	if len(batch) == 1 {
		x.stats.batches.Add(1)
		batch[0].finish(x.target.Post(batch[0].count))
		return
	}

	var sum int64
	for _, req := range batch {
		sum += int64(req.count)
	}

	if sum <= math.MaxInt32 {
		x.stats.batches.Add(1)
		err := x.target.Post(int(sum))
		if !errors.Is(err, sema.ErrOutOfRange) {
			for _, req := range batch {
				req.finish(err)
			}
			return
		}
	}

	// some of the requests may fit, so each gets its own result
	x.stats.retries.Add(1)
	x.logger.Debug().
		Int(`requests`, len(batch)).
		Int64(`sum`, sum).
		Log(`postbatch: posting individually`)

	for _, req := range batch {
		req.finish(x.target.Post(req.count))
	}
}

func (x *request) finish(err error) {
	x.err = err
	close(x.done)
}
