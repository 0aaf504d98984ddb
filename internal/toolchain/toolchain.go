// Package toolchain wraps the external pop/cargo CLI: it builds fully
// controlled invocations (environment, working directory, timeout) and
// thin collaborator commands (scaffold, deploy, cache warming). The tool
// itself is opaque; only exit codes and text output are interpreted.
package toolchain

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/forever8896/web3summit-hackaton-pop-server/internal/model"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/runner"
)

// Toolchain issues commands through a runner using one shared config.
type Toolchain struct {
	cfg model.ToolchainConfig
	run *runner.Runner
}

func New(cfg model.ToolchainConfig, run *runner.Runner) *Toolchain {
	if run == nil {
		run = runner.New()
	}
	return &Toolchain{cfg: cfg, run: run}
}

// Timeout is the configured per-invocation ceiling.
func (t *Toolchain) Timeout() time.Duration {
	if t.cfg.Timeout <= 0 {
		return 10 * time.Minute
	}
	return t.cfg.Timeout
}

// BuildCommand is the compile invocation for one job workspace. The
// environment is the configured base plus a per-job target dir, so
// concurrent builds never share compilation state; the package cache
// (CARGO_HOME) is the only deliberately shared piece.
func (t *Toolchain) BuildCommand(dir string) runner.Command {
	return runner.Command{
		Path: t.cfg.Path,
		Args: append([]string(nil), t.cfg.BuildArgs...),
		Env:  t.environ(dir),
		Dir:  dir,
	}
}

func (t *Toolchain) environ(dir string) []string {
	env := t.cfg.Environ()
	if t.cfg.CacheDir != "" {
		env = append(env, "CARGO_HOME="+t.cfg.CacheDir)
	}
	if dir != "" {
		env = append(env, "CARGO_TARGET_DIR="+filepath.Join(dir, "target"))
	}
	return env
}

// InvokeResult is the outcome of a synchronous collaborator invocation.
type InvokeResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns both streams for callers that only want text.
func (r InvokeResult) Combined() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Invoke runs the tool synchronously in dir with extra args appended to
// base, buffering all output. The returned error covers launch failures
// and timeouts only; a non-zero exit is reported through ExitCode.
func (t *Toolchain) Invoke(ctx context.Context, base []string, extra []string, dir string) (InvokeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout())
	defer cancel()

	args := append(append([]string(nil), base...), extra...)
	events := t.run.Run(ctx, runner.Command{
		Path: t.cfg.Path,
		Args: args,
		Env:  t.environ(dir),
		Dir:  dir,
	})

	var res InvokeResult
	var terminal *runner.Result
	for ev := range events {
		if ev.Result != nil {
			r := *ev.Result
			terminal = &r
			continue
		}
		switch ev.Channel {
		case model.ChannelStdout:
			res.Stdout += ev.Chunk
		case model.ChannelStderr:
			res.Stderr += ev.Chunk
		}
	}
	if terminal == nil {
		return res, fmt.Errorf("running %s: stream ended without result: %w", t.cfg.Path, ctx.Err())
	}
	if terminal.Err != nil {
		return res, fmt.Errorf("running %s: %w", t.cfg.Path, terminal.Err)
	}
	res.ExitCode = terminal.ExitCode
	return res, nil
}

// Scaffold materializes a new project skeleton via the scaffolding
// collaborator (`pop new contract <name>` by default).
func (t *Toolchain) Scaffold(ctx context.Context, dir, name, template string) (InvokeResult, error) {
	extra := []string{name}
	if template != "" {
		extra = append(extra, "--template", template)
	}
	return t.Invoke(ctx, t.cfg.ScaffoldArgs, extra, dir)
}

// DeployResult carries the address parsed from the deploy collaborator's
// output plus the raw text for callers that want it all.
type DeployResult struct {
	Address string
	Output  string
}

// SS58 (substrate) or 0x-hex account id following a deploy/instantiate
// phrase in the tool output.
var reAddress = regexp.MustCompile(`(?i)(?:contract address|deployed|instantiated)[^\n]*?(0x[0-9a-fA-F]{40,64}|[1-9A-HJ-NP-Za-km-z]{46,49})`)

// Deploy runs the deploy collaborator in dir and extracts the deployed
// address from its output.
func (t *Toolchain) Deploy(ctx context.Context, dir string, extra []string) (DeployResult, error) {
	res, err := t.Invoke(ctx, t.cfg.DeployArgs, extra, dir)
	if err != nil {
		return DeployResult{Output: res.Combined()}, err
	}
	if res.ExitCode != 0 {
		return DeployResult{Output: res.Combined()},
			fmt.Errorf("deploy exited with code %d", res.ExitCode)
	}
	out := res.Combined()
	addr := ParseDeployedAddress(out)
	if addr == "" {
		return DeployResult{Output: out}, fmt.Errorf("deploy output contains no address")
	}
	return DeployResult{Address: addr, Output: out}, nil
}

// ParseDeployedAddress extracts the first deployed-contract address from
// raw tool output, or "" when none is present.
func ParseDeployedAddress(output string) string {
	m := reAddress.FindStringSubmatch(output)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// WarmCache runs the warm collaborator (a throwaway release build) in
// dir so shared toolchain caches are hot before the first real job.
func (t *Toolchain) WarmCache(ctx context.Context, dir string) error {
	res, err := t.Invoke(ctx, t.cfg.WarmArgs, nil, dir)
	if err != nil {
		return fmt.Errorf("warming cache: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("warming cache: exit code %d: %s", res.ExitCode, tail(res.Stderr, 512))
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
