package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lazarusengine/lazarus/codegen"
	"github.com/lazarusengine/lazarus/core/fault"
)

// Status is the boot verification outcome for one attempt.
type Status string

const (
	StatusComplete     Status = "complete"      // both processes healthy
	StatusPartialBuild Status = "partial_build" // backend up, frontend not
	StatusError        Status = "error"
)

const (
	backendPort  = 8000
	frontendPort = 3000
)

// BootResult is what one sandbox execution produced. A non-nil BootResult
// with StatusError is normal operation, the healer consumes it; only
// lease-level failures surface as errors.
type BootResult struct {
	Status      Status  `json:"status"`
	PreviewURL  string  `json:"preview"`
	BackendURL  string  `json:"backend_url,omitempty"`
	BackendLog  string  `json:"-"`
	FrontendLog string  `json:"-"`
	Detail      string  `json:"detail,omitempty"`
	Handle      *Handle `json:"-"`
}

// ExecutorConfig bounds the executor's lease and polling behavior.
type ExecutorConfig struct {
	LeaseTTL         time.Duration
	BootPollInterval time.Duration
	BootPollAttempts int

	// InstallTimeout bounds each dependency install and build command.
	InstallTimeout time.Duration
}

func (c *ExecutorConfig) defaults() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Minute
	}
	if c.BootPollInterval <= 0 {
		c.BootPollInterval = 3 * time.Second
	}
	if c.BootPollAttempts <= 0 {
		c.BootPollAttempts = 20
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = 5 * time.Minute
	}
}

// Executor boots generated stacks in fresh sandboxes. Each attempt gets its
// own lease; retries never patch a previous sandbox in place.
type Executor struct {
	client *Client
	cfg    ExecutorConfig
}

// NewExecutor creates an executor.
func NewExecutor(client *Client, cfg ExecutorConfig) *Executor {
	cfg.defaults()
	return &Executor{client: client, cfg: cfg}
}

// Execute writes the artifacts into a fresh sandbox, installs dependencies,
// boots the backend and, when present, the frontend, and verifies health
// with a bounded retry-poll. logf receives human-readable progress lines.
func (e *Executor) Execute(ctx context.Context, artifacts []codegen.Artifact, logf func(string)) (*BootResult, error) {
	if logf == nil {
		logf = func(string) {}
	}
	if len(artifacts) == 0 {
		return nil, fault.New(fault.KindSandboxBoot, "no artifacts to execute")
	}

	handle, err := e.client.CreateLease(ctx, e.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	result := &BootResult{Status: StatusError, Handle: handle}

	logf(fmt.Sprintf("Sandbox %s acquired, writing %d files...", handle.ID, len(artifacts)))
	for _, a := range artifacts {
		if err := e.client.WriteFile(ctx, handle, a.Path, a.Content); err != nil {
			result.Detail = err.Error()
			return result, nil
		}
	}

	entrypoint, runtime := codegen.DetectEntrypoint(artifacts)
	frontendDir := codegen.FrontendDir(artifacts)
	logf(fmt.Sprintf("Entrypoint %s (%s runtime)", entrypoint, runtime))

	// Backend and frontend installs have no ordering dependency, run them
	// concurrently. Process start order still matters: the frontend binds
	// to the backend's address.
	var wg sync.WaitGroup
	var backendInstallErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		backendInstallErr = e.installBackend(ctx, handle, artifacts, entrypoint, runtime, logf)
	}()
	if frontendDir != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logf("Installing frontend dependencies...")
			// A lease-level failure here is reported now so it is not
			// mistaken for a build failure later.
			if _, err := e.client.Exec(ctx, handle, fmt.Sprintf("cd %s && npm install --force", frontendDir), false, e.cfg.InstallTimeout); err != nil {
				logf("Frontend dependency install failed: " + err.Error())
			}
		}()
	}
	wg.Wait()

	if backendInstallErr != nil {
		result.Detail = backendInstallErr.Error()
		result.BackendLog = e.client.ReadLog(ctx, handle, "app.log")
		return result, nil
	}

	backendURL, err := e.bootBackend(ctx, handle, entrypoint, runtime, logf)
	result.BackendLog = e.client.ReadLog(ctx, handle, "app.log")
	if err != nil {
		result.Detail = err.Error()
		return result, nil
	}
	result.BackendURL = backendURL
	result.PreviewURL = backendURL

	if frontendDir == "" {
		result.Status = StatusComplete
		logf("Backend live at " + backendURL)
		return result, nil
	}

	frontendURL, err := e.bootFrontend(ctx, handle, frontendDir, backendURL, logf)
	result.FrontendLog = e.client.ReadLog(ctx, handle, frontendDir+"/frontend.log")
	if err != nil {
		// Backend is healthy, surface it as a partial build.
		result.Status = StatusPartialBuild
		result.Detail = err.Error()
		logf("Frontend failed to boot, backend preview only")
		return result, nil
	}
	result.Status = StatusComplete
	result.PreviewURL = frontendURL
	logf("Stack live at " + frontendURL)
	return result, nil
}

func (e *Executor) installBackend(ctx context.Context, h *Handle, artifacts []codegen.Artifact, entrypoint, runtime string, logf func(string)) error {
	dir := "."
	if i := strings.LastIndex(entrypoint, "/"); i >= 0 {
		dir = entrypoint[:i]
	}

	if runtime == codegen.RuntimeNode {
		deps := codegen.InferNodeDeps(artifacts)
		logf(fmt.Sprintf("Installing %d node packages...", len(deps)))
		cmd := fmt.Sprintf("cd %s && npm init -y >/dev/null && npm install %s", dir, strings.Join(deps, " "))
		res, err := e.client.Exec(ctx, h, cmd, false, e.cfg.InstallTimeout)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fault.New(fault.KindBuild, "npm install failed: %s", tail(res.Stderr, 500))
		}
		return nil
	}

	deps := codegen.InferPythonDeps(artifacts)
	logf(fmt.Sprintf("Installing %d python packages inferred from imports...", len(deps)))

	for _, a := range artifacts {
		if strings.HasSuffix(a.Path, "requirements.txt") {
			e.client.Exec(ctx, h, "pip install -r "+a.Path, false, e.cfg.InstallTimeout)
			break
		}
	}

	quoted := make([]string, len(deps))
	for i, d := range deps {
		quoted[i] = "'" + d + "'"
	}
	res, err := e.client.Exec(ctx, h, "pip install "+strings.Join(quoted, " "), false, e.cfg.InstallTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fault.New(fault.KindBuild, "pip install failed: %s", tail(res.Stderr, 500))
	}
	return nil
}

func (e *Executor) bootBackend(ctx context.Context, h *Handle, entrypoint, runtime string, logf func(string)) (string, error) {
	var start string
	if runtime == codegen.RuntimeNode {
		start = fmt.Sprintf("node %s > app.log 2>&1", entrypoint)
	} else {
		start = fmt.Sprintf("python %s > app.log 2>&1", entrypoint)
	}
	if _, err := e.client.Exec(ctx, h, start, true, 0); err != nil {
		return "", err
	}

	logf("Waiting for backend to accept connections...")
	if err := e.pollPort(ctx, h, backendPort); err != nil {
		return "", err
	}

	host, err := e.client.PublicHost(ctx, h, backendPort)
	if err != nil {
		return "", err
	}
	return "https://" + host, nil
}

func (e *Executor) bootFrontend(ctx context.Context, h *Handle, dir, backendURL string, logf func(string)) (string, error) {
	logf("Building frontend...")
	build := fmt.Sprintf("cd %s && NEXT_PUBLIC_API_URL=%s REACT_APP_API_URL=%s npm run build", dir, backendURL, backendURL)
	res, err := e.client.Exec(ctx, h, build, false, e.cfg.InstallTimeout)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fault.New(fault.KindBuild, "frontend build failed: %s", tail(res.Stderr, 500))
	}

	start := fmt.Sprintf("cd %s && npm start -- -p %d > frontend.log 2>&1", dir, frontendPort)
	if _, err := e.client.Exec(ctx, h, start, true, 0); err != nil {
		return "", err
	}

	logf("Waiting for frontend to accept connections...")
	if err := e.pollPort(ctx, h, frontendPort); err != nil {
		return "", err
	}

	host, err := e.client.PublicHost(ctx, h, frontendPort)
	if err != nil {
		return "", err
	}
	return "https://" + host, nil
}

// pollPort is a bounded retry-poll. Any HTTP response from the port counts
// as accepting connections; transient startup latency is not a failure
// until the attempt ceiling is hit.
func (e *Executor) pollPort(ctx context.Context, h *Handle, port int) error {
	probe := fmt.Sprintf(`curl -s -o /dev/null -w "%%{http_code}" http://localhost:%d/`, port)
	for attempt := 0; attempt < e.cfg.BootPollAttempts; attempt++ {
		res, err := e.client.Exec(ctx, h, probe, false, 10*time.Second)
		if err == nil && res.ExitCode == 0 && res.Stdout != "" && res.Stdout != "000" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.BootPollInterval):
		}
	}
	return fault.New(fault.KindSandboxBoot, "port %d not accepting connections after %d attempts", port, e.cfg.BootPollAttempts)
}

// Release ends a result's sandbox lease, tolerating nil.
func (e *Executor) Release(ctx context.Context, r *BootResult) {
	if r == nil || r.Handle == nil {
		return
	}
	e.client.Release(ctx, r.Handle)
}

var previewURLRe = regexp.MustCompile(`\[PREVIEW_URL\]\s*(\S+)`)

// ParsePreviewURL extracts a preview URL a process announced in its own log
// output, empty when none is present.
func ParsePreviewURL(log string) string {
	m := previewURLRe.FindStringSubmatch(log)
	if m == nil {
		return ""
	}
	return m[1]
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
