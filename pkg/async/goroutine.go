package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SafeGo executes fn in a goroutine with panic recovery and a timeout. The
// task is detached from the cancellation of parentCtx so that work started by
// a finished request still completes.
func SafeGo(parentCtx context.Context, log logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go run(parentCtx, log, timeout, taskName, fn)
}

func run(parentCtx context.Context, log logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if log == nil {
		log = logrus.New()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"task":  taskName,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("PANIC recovered in background task")
		}
	}()

	if err := fn(ctx); err != nil {
		log.WithError(err).WithField("task", taskName).Warn("Background task failed")
	}
}

// Background runs tracked fire-and-forget tasks
type Background struct {
	log logrus.FieldLogger
	wg  sync.WaitGroup
}

// NewBackground creates a task tracker
func NewBackground(log logrus.FieldLogger) *Background {
	if log == nil {
		log = logrus.New()
	}
	return &Background{log: log}
}

// Go starts a tracked task
func (b *Background) Go(ctx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		run(ctx, b.log, timeout, taskName, fn)
	}()
}

// Wait blocks until every started task finished
func (b *Background) Wait() {
	b.wg.Wait()
}

// Batch processes items with at most workers goroutines and returns every error.
// Items not yet started when ctx is cancelled are reported as ctx.Err().
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, item := range items {
		item := item
		if err := ctx.Err(); err != nil {
			record(err)
			continue
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					record(fmt.Errorf("panic: %v", r))
				}
			}()

			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := fn(taskCtx, item); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errs
}
