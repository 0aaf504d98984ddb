package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forever8896/web3summit-hackaton-pop-server/internal/api"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/model"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/orchestrator"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/store"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/toolchain"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/workspace"
)

// newTestServer stands up the full HTTP surface over a shell script
// standing in for the compiler.
func newTestServer(t *testing.T, script string) (*httptest.Server, *store.Store) {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	bin := filepath.Join(t.TempDir(), "fake-pop")
	require.NoError(t, os.WriteFile(bin, []byte("#!"+sh+"\n"+script), 0o755))

	tc := toolchain.New(model.ToolchainConfig{
		Path:      bin,
		BuildArgs: nil,
		Env:       map[string]string{"path": "$PATH"},
		Timeout:   10 * time.Second,
	}, nil)
	st := store.New(0)
	ws := workspace.NewManager(t.TempDir())
	orch := orchestrator.New(context.Background(), st, ws, tc, 4)
	t.Cleanup(orch.Wait)

	srv := httptest.NewServer(api.NewServer(st, orch, tc, ws).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func awaitTerminal(t *testing.T, srv *httptest.Server, id string) map[string]any {
	t.Helper()
	var job map[string]any
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/v1/jobs/" + id)
		require.NoError(t, err)
		job = decode[map[string]any](t, resp)
		s := job["status"].(string)
		return s == string(model.StatusCompleted) || s == string(model.StatusFailed)
	}, 10*time.Second, 20*time.Millisecond)
	return job
}

func TestCompileAccepted(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "cat src/lib.rs\n")

	resp := postJSON(t, srv.URL+"/api/v1/contracts/compile", map[string]string{
		"subjectName": "flipper",
		"payload":     "pub struct Flipper;",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	require.NotEmpty(t, body["jobId"])
	require.Equal(t, string(model.StatusQueued), body["status"])

	job := awaitTerminal(t, srv, body["jobId"].(string))
	require.Equal(t, string(model.StatusCompleted), job["status"])
	result := job["result"].(map[string]any)
	require.Contains(t, result["stdout"], "pub struct Flipper;")
}

func TestCompileValidation(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t, "true\n")

	resp := postJSON(t, srv.URL+"/api/v1/contracts/compile", map[string]string{
		"subjectName": "flipper",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	require.Equal(t, "validation_error", body["error"].(map[string]any)["code"])
	require.Empty(t, st.List(), "rejected submissions must not create jobs")
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(string) error { return errors.New("scheduler unavailable") }
func (failingDispatcher) Cancel(string) error   { return nil }

func TestCompileDispatchFailureFailsJob(t *testing.T) {
	t.Parallel()
	st := store.New(0)
	ws := workspace.NewManager(t.TempDir())
	tc := toolchain.New(model.ToolchainConfig{Path: "pop"}, nil)
	srv := httptest.NewServer(api.NewServer(st, failingDispatcher{}, tc, ws).Router())
	t.Cleanup(srv.Close)

	resp := postJSON(t, srv.URL+"/api/v1/contracts/compile", map[string]string{"payload": "src"})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()

	// the record must not be left queued forever
	list := st.List()
	require.Len(t, list, 1)
	require.Equal(t, model.StatusFailed, list[0].Status)

	job, err := st.Get(list[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.FailureSetup, job.FailureKind)
	require.Contains(t, job.TerminalError, "could not be scheduled")
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "true\n")

	resp, err := http.Get(srv.URL + "/api/v1/jobs/no-such-id")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	require.Equal(t, "not_found", body["error"].(map[string]any)["code"])
}

func TestFailedJobCarriesDiagnostics(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, `cat >&2 <<'EOF'
error[E0308]: mismatched types
  --> src/lib.rs:10:5
EOF
exit 101
`)

	resp := postJSON(t, srv.URL+"/api/v1/contracts/compile", map[string]string{
		"payload": "bad",
	})
	body := decode[map[string]any](t, resp)

	job := awaitTerminal(t, srv, body["jobId"].(string))
	require.Equal(t, string(model.StatusFailed), job["status"])
	failure := job["failure"].(map[string]any)
	require.Contains(t, failure["message"], "exit code 101")
	errs := failure["errors"].([]any)
	require.Len(t, errs, 1)
	require.Equal(t, "E0308", errs[0].(map[string]any)["code"])
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "true\n")

	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/api/v1/contracts/compile", map[string]string{
			"subjectName": fmt.Sprintf("contract-%d", i),
			"payload":     "src",
		})
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/api/v1/jobs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	require.Len(t, body["jobs"].([]any), 3)
}

func TestJobLogs(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "echo building\necho done >&2\n")

	resp := postJSON(t, srv.URL+"/api/v1/contracts/compile", map[string]string{"payload": "src"})
	body := decode[map[string]any](t, resp)
	id := body["jobId"].(string)
	awaitTerminal(t, srv, id)

	logResp, err := http.Get(srv.URL + "/api/v1/jobs/" + id + "/logs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, logResp.StatusCode)
	logs := decode[map[string]any](t, logResp)
	require.Equal(t, id, logs["jobId"])
	require.Contains(t, logs["stdout"], "building")
	require.Contains(t, logs["stderr"], "done")
	require.NotEmpty(t, logs["entries"])
}

func TestJobLogsFollow(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "echo one\necho two\n")

	resp := postJSON(t, srv.URL+"/api/v1/contracts/compile", map[string]string{"payload": "src"})
	body := decode[map[string]any](t, resp)
	id := body["jobId"].(string)
	awaitTerminal(t, srv, id)

	streamResp, err := http.Get(srv.URL + "/api/v1/jobs/" + id + "/logs?follow=true")
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	require.Equal(t, "text/event-stream", streamResp.Header.Get("Content-Type"))

	var events []string
	var data []string
	scanner := bufio.NewScanner(streamResp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, after)
		}
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			data = append(data, after)
		}
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, events)
	require.Equal(t, "done", events[len(events)-1])
	require.Contains(t, data[len(data)-1], string(model.StatusCompleted))

	var sawOne, sawTwo bool
	for i, ev := range events {
		if ev != "log" {
			continue
		}
		var entry model.LogEntry
		require.NoError(t, json.Unmarshal([]byte(data[i]), &entry))
		switch {
		case entry.Text == "one":
			sawOne = true
		case entry.Text == "two":
			sawTwo = true
		}
	}
	require.True(t, sawOne && sawTwo, "replayed stream must carry both output lines")
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "sleep 30\n")

	resp := postJSON(t, srv.URL+"/api/v1/contracts/compile", map[string]string{"payload": "src"})
	body := decode[map[string]any](t, resp)
	id := body["jobId"].(string)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/jobs/"+id, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, delResp.StatusCode)
	delResp.Body.Close()

	job := awaitTerminal(t, srv, id)
	require.Equal(t, string(model.StatusFailed), job["status"])
	require.Equal(t, string(model.FailureCanceled), job["failureKind"])

	// a second cancel hits a terminal job
	delResp, err = http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, delResp.StatusCode)
	delResp.Body.Close()
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "true\n")

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/jobs/nope", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "true\n")

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
