package cdp

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/opta-dev/opta-browser/internal/port/outbound"
)

// devtoolsBanner prefixes the endpoint line the browser prints on
// stderr once the remote-debug socket is up.
const devtoolsBanner = "DevTools listening on "

// launchTimeout bounds waiting for the endpoint banner.
const launchTimeout = 30 * time.Second

// browserCandidates are the binary names probed on PATH, most specific
// first.
var browserCandidates = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"headless-shell",
}

// darwinBrowserPaths are absolute install locations probed on macOS.
var darwinBrowserPaths = []string{
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
}

// browserProcess is a browser launched by this driver.
type browserProcess struct {
	cmd        *exec.Cmd
	logger     *slog.Logger
	tempDir    string
	waitResult chan error
}

// findBrowser resolves the browser binary: explicit path, then
// OPTA_BROWSER_EXEC_PATH, then the candidate list.
func findBrowser(execPath string) (string, error) {
	if execPath != "" {
		return execPath, nil
	}
	if env := os.Getenv("OPTA_BROWSER_EXEC_PATH"); env != "" {
		return env, nil
	}
	if runtime.GOOS == "darwin" {
		for _, p := range darwinBrowserPaths {
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	for _, name := range browserCandidates {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no chromium-based browser found; set OPTA_BROWSER_EXEC_PATH")
}

// launchBrowser starts the browser with an ephemeral remote-debug port
// and waits for its endpoint banner.
func launchBrowser(ctx context.Context, execPath string, opts outbound.LaunchOptions, logger *slog.Logger) (*browserProcess, string, error) {
	bin, err := findBrowser(execPath)
	if err != nil {
		return nil, "", err
	}

	profileDir := opts.ProfileDir
	tempDir := ""
	if profileDir == "" {
		tempDir, err = os.MkdirTemp("", "opta-browser-profile-*")
		if err != nil {
			return nil, "", fmt.Errorf("create ephemeral profile dir: %w", err)
		}
		profileDir = tempDir
	}

	args := []string{
		"--remote-debugging-port=0",
		"--user-data-dir=" + profileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-sync",
	}
	if opts.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, "about:blank")

	cmd := exec.Command(bin, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		removeDir(tempDir, logger)
		return nil, "", fmt.Errorf("pipe browser stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		removeDir(tempDir, logger)
		return nil, "", fmt.Errorf("start browser %s: %w", bin, err)
	}

	proc := &browserProcess{
		cmd:        cmd,
		logger:     logger,
		tempDir:    tempDir,
		waitResult: make(chan error, 1),
	}
	go func() { proc.waitResult <- cmd.Wait() }()

	endpoint, err := scanForEndpoint(ctx, stderr)
	if err != nil {
		proc.shutdown()
		return nil, "", err
	}
	// Drain the rest of stderr so the pipe never blocks the browser.
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
		}
	}()

	logger.Info("browser launched", "binary", bin, "headless", opts.Headless, "endpoint", endpoint)
	return proc, endpoint, nil
}

// scanForEndpoint reads stderr until the DevTools banner appears.
func scanForEndpoint(ctx context.Context, stderr interface{ Read([]byte) (int, error) }) (string, error) {
	type scanResult struct {
		endpoint string
		err      error
	}
	found := make(chan scanResult, 1)
	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64<<10), 64<<10)
		for sc.Scan() {
			line := sc.Text()
			if idx := strings.Index(line, devtoolsBanner); idx >= 0 {
				found <- scanResult{endpoint: strings.TrimSpace(line[idx+len(devtoolsBanner):])}
				return
			}
		}
		found <- scanResult{err: fmt.Errorf("browser exited before exposing a remote-debug endpoint")}
	}()

	timer := time.NewTimer(launchTimeout)
	defer timer.Stop()
	select {
	case res := <-found:
		return res.endpoint, res.err
	case <-timer.C:
		return "", fmt.Errorf("timeout waiting for browser remote-debug endpoint")
	case <-ctx.Done():
		return "", fmt.Errorf("browser launch: %w", ctx.Err())
	}
}

// wait blocks until the process exits or the grace period passes, then
// kills it.
func (p *browserProcess) wait(grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.waitResult:
	case <-timer.C:
		p.kill()
		<-p.waitResult
	}
	removeDir(p.tempDir, p.logger)
}

// kill terminates the process immediately.
func (p *browserProcess) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// shutdown kills the process and reclaims its ephemeral profile.
func (p *browserProcess) shutdown() {
	p.kill()
	<-p.waitResult
	removeDir(p.tempDir, p.logger)
}

func removeDir(dir string, logger *slog.Logger) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil && logger != nil {
		logger.Warn("ephemeral profile cleanup failed", "dir", dir, "error", err)
	}
}
