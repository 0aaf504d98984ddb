// Package orchestrator drives jobs through their lifecycle: async
// dispatch, isolated workspace, the compiler subprocess, relaying output
// into the store, and the terminal transition with structured
// diagnostics on failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/forever8896/web3summit-hackaton-pop-server/internal/diag"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/log"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/model"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/runner"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/store"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/toolchain"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/workspace"
)

var ErrAlreadyDispatched = errors.New("job already dispatched")

// Orchestrator owns one goroutine per in-flight job. An optional
// semaphore bounds how many compilations run at once; queued jobs wait
// for a slot.
type Orchestrator struct {
	root context.Context

	store *store.Store
	ws    *workspace.Manager
	tc    *toolchain.Toolchain
	run   *runner.Runner
	sem   *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New builds an orchestrator whose jobs live within ctx: cancelling it
// (server shutdown) terminates every child process. maxConcurrent <= 0
// means unbounded.
func New(ctx context.Context, st *store.Store, ws *workspace.Manager, tc *toolchain.Toolchain, maxConcurrent int64) *Orchestrator {
	o := &Orchestrator{
		root:    ctx,
		store:   st,
		ws:      ws,
		tc:      tc,
		run:     runner.New(),
		cancels: make(map[string]context.CancelFunc),
	}
	if maxConcurrent > 0 {
		o.sem = semaphore.NewWeighted(maxConcurrent)
	}
	return o
}

// Dispatch schedules the job asynchronously and returns immediately.
// At most one execution is ever associated with a job.
func (o *Orchestrator) Dispatch(id string) error {
	ctx, cancel := context.WithCancel(o.root)

	// the cancels entry is the dispatch guard: it exists for the whole
	// execution and the job only leaves queued while it is present
	o.mu.Lock()
	if _, ok := o.cancels[id]; ok {
		o.mu.Unlock()
		cancel()
		return ErrAlreadyDispatched
	}
	job, err := o.store.Get(id)
	if err != nil {
		o.mu.Unlock()
		cancel()
		return err
	}
	if job.Status != model.StatusQueued {
		o.mu.Unlock()
		cancel()
		return ErrAlreadyDispatched
	}
	o.cancels[id] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, id)
			o.mu.Unlock()
		}()
		o.execute(ctx, job)
	}()
	return nil
}

// Cancel withdraws interest in a job and kills its child process. The
// job ends failed/canceled. Returns model.ErrTerminal when it already
// finished, model.ErrNotFound for unknown ids.
func (o *Orchestrator) Cancel(id string) error {
	job, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return model.ErrTerminal
	}

	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	// created but never dispatched; walk it through running so the
	// transition chain stays intact
	if err := o.store.SetRunning(id, time.Now()); err != nil {
		return err
	}
	return o.store.Fail(id, model.FailureCanceled, "job canceled", nil, nil, time.Now())
}

// Wait blocks until every in-flight job has finished. Used on shutdown
// and in tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) execute(ctx context.Context, job model.Job) {
	ctx = log.ContextAttrs(ctx, slog.String("job_id", job.ID))

	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			// keep the transition chain intact even for jobs canceled
			// while waiting for a slot
			if err := o.store.SetRunning(job.ID, time.Now()); err == nil {
				o.finishCanceled(ctx, job.ID)
			}
			return
		}
		defer o.sem.Release(1)
	}

	if err := o.store.SetRunning(job.ID, time.Now()); err != nil {
		slog.ErrorContext(ctx, "job cannot start", "error", err)
		return
	}
	o.appendLog(ctx, job.ID, model.ChannelInfo, fmt.Sprintf("compiling %q", job.SubjectName))

	dir, err := o.ws.Create(job.SubjectName, job.Payload)
	if err != nil {
		slog.ErrorContext(ctx, "workspace setup failed", "error", err)
		o.appendLog(ctx, job.ID, model.ChannelError, err.Error())
		o.fail(ctx, job.ID, model.FailureSetup, "workspace setup failed: "+err.Error(), nil, nil)
		return
	}
	defer o.ws.Remove(dir)

	runCtx, cancel := context.WithTimeout(ctx, o.tc.Timeout())
	defer cancel()

	events := o.run.Run(runCtx, o.tc.BuildCommand(dir))
	var terminal *runner.Result
	for ev := range events {
		if ev.Result != nil {
			r := *ev.Result
			terminal = &r
			continue
		}
		o.appendLog(ctx, job.ID, ev.Channel, ev.Chunk)
	}

	o.finalize(ctx, job.ID, runCtx, terminal)
}

func (o *Orchestrator) finalize(ctx context.Context, id string, runCtx context.Context, terminal *runner.Result) {
	switch {
	case terminal == nil:
		// stream ended without a result; only context abandonment does this
		o.finalizeCtxErr(ctx, id, runCtx.Err())

	case terminal.Err != nil && errors.Is(terminal.Err, context.DeadlineExceeded):
		o.finalizeCtxErr(ctx, id, terminal.Err)

	case terminal.Err != nil && errors.Is(terminal.Err, context.Canceled):
		o.finalizeCtxErr(ctx, id, terminal.Err)

	case terminal.Err != nil:
		msg := "compiler could not be started: " + terminal.Err.Error()
		o.appendLog(ctx, id, model.ChannelError, msg)
		o.fail(ctx, id, model.FailureLaunch, msg, nil, nil)

	case terminal.ExitCode == 0:
		o.appendLog(ctx, id, model.ChannelSuccess, "compilation succeeded")
		if err := o.store.Complete(id, 0, time.Now()); err != nil {
			slog.ErrorContext(ctx, "completing job", "error", err)
		}

	default:
		code := terminal.ExitCode
		msg := fmt.Sprintf("compilation failed with exit code %d", code)
		o.appendLog(ctx, id, model.ChannelError, msg)
		var diags []model.Diagnostic
		if job, err := o.store.Get(id); err == nil {
			diags = diag.Extract(job.Stderr)
		}
		o.fail(ctx, id, model.FailureCompilation, msg, &code, diags)
	}
}

func (o *Orchestrator) finalizeCtxErr(ctx context.Context, id string, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		msg := fmt.Sprintf("compilation timed out after %s", o.tc.Timeout())
		o.appendLog(ctx, id, model.ChannelError, msg)
		o.fail(ctx, id, model.FailureTimeout, msg, nil, nil)
		return
	}
	o.finishCanceled(ctx, id)
}

func (o *Orchestrator) finishCanceled(ctx context.Context, id string) {
	o.appendLog(ctx, id, model.ChannelError, "job canceled")
	o.fail(ctx, id, model.FailureCanceled, "job canceled", nil, nil)
}

func (o *Orchestrator) appendLog(ctx context.Context, id string, ch model.Channel, text string) {
	if err := o.store.AppendLog(id, ch, text); err != nil {
		slog.WarnContext(ctx, "appending log", "channel", ch, "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, id string, kind model.FailureKind, msg string, code *int, diags []model.Diagnostic) {
	if err := o.store.Fail(id, kind, msg, code, diags, time.Now()); err != nil {
		slog.ErrorContext(ctx, "failing job", "kind", kind, "error", err)
	}
}
