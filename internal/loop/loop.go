// Package loop drives the resolver: a fixed idle delay between steps, with
// an fsnotify watch on the queue file so newly accepted tasks are picked up
// without waiting out the delay.
package loop

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatopsd/internal/logging"
	"github.com/fyrsmithlabs/chatopsd/internal/resolver"
)

// Stepper is the resolver port the loop drives.
type Stepper interface {
	Step(ctx context.Context) (resolver.Status, error)
}

// Loop repeatedly invokes the resolver until its context is cancelled.
type Loop struct {
	stepper   Stepper
	dataDir   string
	idleDelay time.Duration
	log       *logging.Logger
}

// New creates a loop over the given resolver.
func New(stepper Stepper, dataDir string, idleDelay time.Duration, logger *logging.Logger) *Loop {
	return &Loop{
		stepper:   stepper,
		dataDir:   dataDir,
		idleDelay: idleDelay,
		log:       logger.Named("loop"),
	}
}

// Run blocks until ctx is cancelled. Step errors are logged and the loop
// keeps going; a wedged storage layer should page the operator via logs,
// not kill the daemon.
func (l *Loop) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.log.Warn("queue watch unavailable, relying on idle delay only", zap.Error(err))
	} else {
		defer watcher.Close()
		// Watch the directory, not the file: the queue rewrites the file via
		// rename, which replaces the watched inode.
		if err := watcher.Add(l.dataDir); err != nil {
			l.log.Warn("queue watch unavailable, relying on idle delay only", zap.Error(err))
		} else {
			go l.forwardQueueEvents(ctx, watcher, wake)
		}
	}

	timer := time.NewTimer(l.idleDelay)
	defer timer.Stop()

	for {
		status, err := l.stepper.Step(ctx)
		if err != nil {
			l.log.Error("resolver step failed", zap.Error(err))
		}

		delay := l.idleDelay
		if status == resolver.StatusProgressed {
			// A task is mid-flight; keep moving.
			delay = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-wake:
		}
	}
}

func (l *Loop) forwardQueueEvents(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) {
	queuePath := filepath.Join(l.dataDir, "tasks.jsonl")
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if evt.Name != queuePath {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.log.Warn("queue watch error", zap.Error(err))
		}
	}
}
