package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkerCount is the number of concurrent workers when none is
// configured
const DefaultWorkerCount = 6

// Pool runs executors concurrently until the job queue is drained.
type Pool struct {
	executor *Executor
	workers  int
	logger   *logrus.Logger
}

// NewPool creates a worker pool around the given executor
func NewPool(executor *Executor, workers int, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkerCount
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Pool{
		executor: executor,
		workers:  workers,
		logger:   logger,
	}
}

// Run processes images in rounds of concurrent workers. The pool stops when
// a full round finds no pending images, when any worker hits a claim error,
// or when the context is cancelled. It returns the number of images
// processed.
func (p *Pool) Run(ctx context.Context) (int64, error) {
	var processed int64
	round := 0

	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		round++

		var claimed int64
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < p.workers; i++ {
			g.Go(func() error {
				for {
					outcome, err := p.executor.RunOne(gctx)
					if err != nil {
						return err
					}
					if outcome == NoJob {
						return nil
					}
					atomic.AddInt64(&claimed, 1)
					atomic.AddInt64(&processed, 1)
				}
			})
		}

		if err := g.Wait(); err != nil {
			return processed, err
		}

		if claimed == 0 {
			p.logger.WithFields(logrus.Fields{
				"rounds":    round,
				"processed": processed,
			}).Info("No pending images remain, stopping")
			return processed, nil
		}

		p.logger.WithFields(logrus.Fields{
			"round":     round,
			"processed": processed,
		}).Debug("Round completed")
	}
}
