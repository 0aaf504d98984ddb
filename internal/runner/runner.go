// Package runner executes the external toolchain as a child process and
// pushes its output incrementally as a typed event stream with a single
// terminal event.
package runner

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/forever8896/web3summit-hackaton-pop-server/internal/model"
)

// Command is one process invocation. Env is the complete child
// environment; nothing is inherited implicitly. Dir must be private to
// the invocation when runs are concurrent.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Result is the terminal outcome of a run.
//
// Launch failures (binary missing, bad working directory) carry Err and
// no meaningful ExitCode. A process that started and exited non-zero is
// a normal outcome: ExitCode holds the code and Err is nil. A run killed
// by its context carries the context error.
type Result struct {
	ExitCode int
	Started  time.Time
	Stopped  time.Time
	Err      error
}

// Event is one item in a run's output stream. Output events carry a
// Channel (stdout or stderr) and a Chunk; the final event carries Result
// and nothing else. The stream is closed after the final event.
type Event struct {
	Channel model.Channel
	Chunk   string
	Result  *Result
}

const chunkSize = 32 * 1024

// drainGrace bounds how long the pipe drain may outlive a done context.
const drainGrace = 3 * time.Second

// Runner spawns toolchain processes. The zero value is usable; it exists
// as a type so callers can depend on an interface seam in tests.
type Runner struct{}

func New() *Runner {
	return &Runner{}
}

// Run starts cmd and returns its event stream. The stream ends with
// exactly one terminal event unless ctx is abandoned, in which case the
// child is killed and delivery stops. Run itself never blocks on the
// process.
func (r *Runner) Run(ctx context.Context, cmd Command) <-chan Event {
	events := make(chan Event, 16)
	go r.run(ctx, cmd, events)
	return events
}

func (r *Runner) run(ctx context.Context, proto Command, events chan<- Event) {
	defer close(events)

	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	started := time.Now().UTC()

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = append([]string(nil), proto.Env...)
	cmd.Dir = proto.Dir
	// the toolchain spawns helper processes; the whole group must die on
	// cancellation or an orphan keeps the output pipes open past the
	// deadline
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		send(Event{Result: &Result{Started: started, Stopped: time.Now().UTC(), Err: err}})
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		send(Event{Result: &Result{Started: started, Stopped: time.Now().UTC(), Err: err}})
		return
	}

	if err := cmd.Start(); err != nil {
		send(Event{Result: &Result{Started: started, Stopped: time.Now().UTC(), Err: err}})
		return
	}

	var readers sync.WaitGroup
	relay := func(ch model.Channel, r io.Reader) {
		defer readers.Done()
		buf := make([]byte, chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if !send(Event{Channel: ch, Chunk: string(buf[:n])}) {
					// consumer gone; keep draining so Wait can finish
					_, _ = io.Copy(io.Discard, r)
					return
				}
			}
			if err != nil {
				return
			}
		}
	}
	readers.Add(2)
	go relay(model.ChannelStdout, stdout)
	go relay(model.ChannelStderr, stderr)

	// pipes must be drained before Wait. Once ctx is done the drain gets
	// a bounded grace window; after that the pipes are closed out from
	// under the readers so a process that survived the kill cannot stall
	// the terminal event.
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		select {
		case <-drained:
		case <-time.After(drainGrace):
			_ = stdout.Close()
			_ = stderr.Close()
			<-drained
		}
	}
	waitErr := cmd.Wait()

	res := Result{
		Started: started,
		Stopped: time.Now().UTC(),
	}
	switch {
	case ctx.Err() != nil:
		res.Err = ctx.Err()
		res.ExitCode = -1
	case waitErr == nil:
		res.ExitCode = cmd.ProcessState.ExitCode()
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.Err = waitErr
			res.ExitCode = -1
		}
	}
	// The context may already be done here (timeout, cancel); the
	// consumer still wants the terminal event, so give it a bounded
	// window instead of gating on ctx.
	select {
	case events <- Event{Result: &res}:
	case <-time.After(5 * time.Second):
	}
}
