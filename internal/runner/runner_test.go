package runner_test

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/forever8896/web3summit-hackaton-pop-server/internal/model"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/runner"
	"github.com/stretchr/testify/require"
)

func lookSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

// drain collects all output per channel and returns the terminal result.
func drain(t *testing.T, events <-chan runner.Event) (stdout, stderr string, res runner.Result) {
	t.Helper()
	var outB, errB strings.Builder
	var terminal *runner.Result
	for ev := range events {
		if ev.Result != nil {
			require.Nil(t, terminal, "more than one terminal event")
			r := *ev.Result
			terminal = &r
			continue
		}
		switch ev.Channel {
		case model.ChannelStdout:
			outB.WriteString(ev.Chunk)
		case model.ChannelStderr:
			errB.WriteString(ev.Chunk)
		default:
			t.Fatalf("unexpected channel %q", ev.Channel)
		}
	}
	require.NotNil(t, terminal, "stream ended without terminal event")
	return outB.String(), errB.String(), *terminal
}

func TestRunStreamsBothChannels(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	events := runner.New().Run(context.Background(), runner.Command{
		Path: sh,
		Args: []string{"-c", "echo out; echo err 1>&2; echo out2"},
		Env:  []string{"LC_ALL=C"},
	})
	stdout, stderr, res := drain(t, events)
	require.NoError(t, res.Err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "out\nout2\n", stdout)
	require.Equal(t, "err\n", stderr)
	require.False(t, res.Started.IsZero())
	require.False(t, res.Stopped.Before(res.Started))
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	events := runner.New().Run(context.Background(), runner.Command{
		Path: sh,
		Args: []string{"-c", "echo boom 1>&2; exit 3"},
	})
	_, stderr, res := drain(t, events)
	require.NoError(t, res.Err, "non-zero exit is a normal outcome")
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "boom\n", stderr)
}

func TestRunLaunchError(t *testing.T) {
	t.Parallel()
	events := runner.New().Run(context.Background(), runner.Command{
		Path: "/does/not/exist/pop",
	})
	var got []runner.Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 1, "launch error must be the only event")
	require.NotNil(t, got[0].Result)
	require.Error(t, got[0].Result.Err)
}

func TestRunWorkingDirectory(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	dir := t.TempDir()

	events := runner.New().Run(context.Background(), runner.Command{
		Path: sh,
		Args: []string{"-c", "pwd"},
		Dir:  dir,
	})
	stdout, _, res := drain(t, events)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, strings.TrimSpace(stdout), dir)
}

func TestRunControlledEnvironment(t *testing.T) {
	sh := lookSh(t)
	t.Setenv("POP_LEAKY", "should-not-leak")

	events := runner.New().Run(context.Background(), runner.Command{
		Path: sh,
		Args: []string{"-c", `echo "leak=${POP_LEAKY:-none} set=${POP_SET:-none}"`},
		Env:  []string{"POP_SET=yes"},
	})
	stdout, _, res := drain(t, events)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "leak=none set=yes\n", stdout)
}

func TestRunCancellation(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := runner.New().Run(ctx, runner.Command{
		Path: sh,
		Args: []string{"-c", "echo started; sleep 30"},
	})

	// wait for proof the process is alive, then cancel
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream ended before first output")
			if ev.Result != nil {
				t.Fatalf("terminal event before cancel: %+v", ev.Result)
			}
			if strings.Contains(ev.Chunk, "started") {
				cancel()
			}
		case <-deadline:
			t.Fatal("no output before deadline")
		}
		if ctx.Err() != nil {
			break
		}
	}

	// stream must end promptly, with either a ctx-carrying terminal
	// event or nothing further at all
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Result != nil {
				require.ErrorIs(t, ev.Result.Err, context.Canceled)
			}
		case <-timeout:
			t.Fatal("stream did not end after cancellation")
		}
	}
}

func TestRunTimeoutKillsLingeringChildren(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	// the background sleep inherits the output pipes; the terminal event
	// must still arrive shortly after the deadline, not when the orphan
	// exits
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	events := runner.New().Run(ctx, runner.Command{
		Path: sh,
		Args: []string{"-c", "sleep 30 & wait"},
	})

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Result != nil {
				require.ErrorIs(t, ev.Result.Err, context.DeadlineExceeded)
			}
		case <-deadline:
			t.Fatal("stream did not end after timeout with a background child")
		}
	}
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	events := runner.New().Run(ctx, runner.Command{
		Path: sh,
		Args: []string{"-c", "sleep 30"},
	})

	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Result != nil {
				require.ErrorIs(t, ev.Result.Err, context.DeadlineExceeded)
			}
		case <-timeout:
			t.Fatal("stream did not end after timeout")
		}
	}
}
