// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package record owns the retry queue for attaching newly discovered
// modules: the session reports them on dlopen, and this package gets
// them hooked. The capture session's goroutines themselves are started
// by cmd/heaptrace-record.
package record

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"
)

const recorderQueueName = "tracer-module-attach"

// ModuleAttachJob names one module discovered by a maps scan that
// still needs its uprobes attached.
type ModuleAttachJob struct {
	Path     string
	BaseAddr uint64
}

// Attacher is the subset of internal/tracer/hook.Attacher a Recorder
// needs, kept as an interface so tests can substitute a fake.
type Attacher interface {
	AttachModule(pid int, modulePath string) error
}

// Recorder retries failed module-attach attempts with exponential
// backoff, the same shape as a batch delivery worker retries a failed
// send: queue the unit of work, retry with backoff, forget on
// success, re-queue (rate limited) on failure.
type Recorder struct {
	logger   logr.Logger
	pid      int
	attacher Attacher
	queue    workqueue.TypedRateLimitingInterface[ModuleAttachJob]

	mu       sync.Mutex
	attached map[string]bool
}

// NewRecorder returns a Recorder that attaches modules for pid via
// attacher, logging through logger.
func NewRecorder(logger logr.Logger, pid int, attacher Attacher) *Recorder {
	ratelimiter := workqueue.DefaultTypedControllerRateLimiter[ModuleAttachJob]()
	queue := workqueue.NewTypedRateLimitingQueueWithConfig(ratelimiter,
		workqueue.TypedRateLimitingQueueConfig[ModuleAttachJob]{
			Name: recorderQueueName,
		},
	)
	return &Recorder{
		logger:   logger,
		pid:      pid,
		attacher: attacher,
		queue:    queue,
		attached: make(map[string]bool),
	}
}

// Enqueue schedules job for attachment unless that module path has
// already been successfully attached.
func (r *Recorder) Enqueue(job ModuleAttachJob) {
	r.mu.Lock()
	already := r.attached[job.Path]
	r.mu.Unlock()
	if already {
		return
	}
	r.queue.Add(job)
}

// Run drains the attach queue until Shutdown is called; canceling ctx
// only aborts the retries of the job in progress. It is meant to be run
// in its own goroutine alongside the ring-buffer consumer and the
// modcache ticker.
func (r *Recorder) Run(ctx context.Context) {
	for {
		job, shutdown := r.queue.Get()
		if shutdown {
			return
		}
		r.attachOne(ctx, job)
		r.queue.Done(job)
	}
}

func (r *Recorder) attachOne(ctx context.Context, job ModuleAttachJob) {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.attacher.AttachModule(r.pid, job.Path)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error(err, "failed to attach module after retries", "path", job.Path)
		if !r.queue.ShuttingDown() {
			r.queue.AddRateLimited(job)
		}
		return
	}

	r.mu.Lock()
	r.attached[job.Path] = true
	r.mu.Unlock()
	r.queue.Forget(job)
	r.logger.V(1).Info("attached module", "path", job.Path, "base", fmt.Sprintf("%#x", job.BaseAddr))
}

// Shutdown stops accepting new work and drains in-flight attempts.
func (r *Recorder) Shutdown() {
	r.queue.ShutDownWithDrain()
}
