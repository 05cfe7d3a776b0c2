// Command bridge is the native-messaging supervisor for the daemon. It
// speaks length-prefixed JSON frames on stdin/stdout: the browser
// extension asks it to ensure the daemon is running and receives the
// port and token to talk to it directly.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"transcriberd/internal/config"
	"transcriberd/internal/hostproto"
)

const (
	healthTimeout = 2 * time.Second
	startDeadline = 15 * time.Second
)

func main() {
	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.DataDir)

	for {
		var req hostproto.Request
		if err := hostproto.Read(os.Stdin, &req); err != nil {
			if err == io.EOF {
				return
			}
			log.Warn().Err(err).Msg("read bridge frame failed")
			return
		}
		resp := handle(cfg, req)
		if err := hostproto.Write(os.Stdout, resp); err != nil {
			log.Warn().Err(err).Msg("write bridge frame failed")
			return
		}
	}
}

// setupLogging sends logs to a file only: stdout carries protocol
// frames and must stay clean.
func setupLogging(dataDir string) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logPath := filepath.Join(dataDir, "bridge.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		log.Logger = log.Output(io.Discard)
		return
	}
	log.Logger = log.Output(logFile)
}

func handle(cfg config.Config, req hostproto.Request) hostproto.Response {
	switch req.Action {
	case hostproto.ActionGetStatus:
		if !daemonHealthy(cfg.Port) {
			return hostproto.Response{OK: true, Status: "stopped"}
		}
		return runningResponse(cfg)
	case hostproto.ActionEnsureRunning:
		if daemonHealthy(cfg.Port) {
			return runningResponse(cfg)
		}
		if err := spawnDaemon(); err != nil {
			return hostproto.Response{Error: fmt.Sprintf("start daemon: %v", err)}
		}
		deadline := time.Now().Add(startDeadline)
		for time.Now().Before(deadline) {
			if daemonHealthy(cfg.Port) {
				return runningResponse(cfg)
			}
			time.Sleep(200 * time.Millisecond)
		}
		return hostproto.Response{Error: "daemon did not become healthy in time"}
	case hostproto.ActionShutdown:
		if !daemonHealthy(cfg.Port) {
			return hostproto.Response{OK: true, Status: "stopped"}
		}
		if err := requestShutdown(cfg); err != nil {
			return hostproto.Response{Error: fmt.Sprintf("shutdown daemon: %v", err)}
		}
		return hostproto.Response{OK: true, Status: "stopping"}
	default:
		return hostproto.Response{Error: fmt.Sprintf("unknown action: %s", req.Action)}
	}
}

func runningResponse(cfg config.Config) hostproto.Response {
	token, err := os.ReadFile(cfg.TokenPath) //nolint:gosec // path comes from config
	if err != nil {
		return hostproto.Response{Error: fmt.Sprintf("read token file: %v", err)}
	}
	return hostproto.Response{
		OK:     true,
		Port:   cfg.Port,
		Token:  strings.TrimSpace(string(token)),
		Status: "running",
	}
}

func daemonHealthy(port int) bool {
	client := &http.Client{Timeout: healthTimeout}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// spawnDaemon starts the daemon binary that ships next to the bridge
// executable and leaves it running detached.
func spawnDaemon() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	daemonPath := filepath.Join(filepath.Dir(self), daemonBinaryName())
	if _, err := os.Stat(daemonPath); err != nil {
		return fmt.Errorf("daemon binary not found: %s", daemonPath)
	}
	cmd := exec.Command(daemonPath) //nolint:gosec // sibling binary
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.Info().Int("pid", cmd.Process.Pid).Str("path", daemonPath).Msg("daemon started")
	// do not wait: the daemon outlives this request
	go func() { _ = cmd.Wait() }()
	return nil
}

func daemonBinaryName() string {
	name := "transcriberd"
	if strings.EqualFold(filepath.Ext(os.Args[0]), ".exe") {
		name += ".exe"
	}
	return name
}

func requestShutdown(cfg config.Config) error {
	token, err := os.ReadFile(cfg.TokenPath) //nolint:gosec // path comes from config
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/api/shutdown", cfg.Port)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))
	client := &http.Client{Timeout: healthTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}
