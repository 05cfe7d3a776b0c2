package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"transcriberd/internal/task"
)

// YtDlp extracts audio from a media URL by shelling out to yt-dlp. It
// satisfies task.Downloader: progress lines map to 0-100 updates and the
// cancellation token is polled between lines.
type YtDlp struct {
	BinPath    string // yt-dlp binary, defaults to "yt-dlp"
	FFmpegPath string // optional --ffmpeg-location override
}

// progress lines look like: [download]  42.7% of 10.00MiB at 1.00MiB/s
var progressLine = regexp.MustCompile(`\[download\]\s+([0-9.]+)%`)

func (d *YtDlp) Download(ctx context.Context, req task.DownloadRequest) (string, error) {
	bin := d.BinPath
	if bin == "" {
		bin = "yt-dlp"
	}
	outTemplate := filepath.Join(req.OutDir, req.TaskID+".%(ext)s")
	args := []string{
		"--newline",
		"--no-playlist",
		"-f", "bestaudio/best",
		"-x",
		"--audio-format", "mp3",
		"--audio-quality", "192K",
		"-o", outTemplate,
	}
	if d.FFmpegPath != "" {
		args = append(args, "--ffmpeg-location", d.FFmpegPath)
	}
	if req.CookieFile != "" {
		if _, err := os.Stat(req.CookieFile); err == nil {
			args = append(args, "--cookies", req.CookieFile)
		}
	}
	args = append(args, req.URL)

	cmd := exec.CommandContext(ctx, bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("pipe yt-dlp stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start yt-dlp: %w", err)
	}
	log.Debug().Str("task_id", req.TaskID).Str("url", req.URL).Msg("yt-dlp started")

	canceled, scanErr := scanProgress(stdout, req, func() { _ = cmd.Process.Kill() })
	waitErr := cmd.Wait()

	if canceled {
		removeArtifacts(req.OutDir, req.TaskID)
		return "", task.ErrCanceled
	}
	if waitErr != nil {
		removeArtifacts(req.OutDir, req.TaskID)
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = waitErr.Error()
		}
		return "", fmt.Errorf("yt-dlp: %s", message)
	}
	if scanErr != nil {
		removeArtifacts(req.OutDir, req.TaskID)
		return "", fmt.Errorf("yt-dlp: read output: %w", scanErr)
	}
	return resolveAudioPath(req.OutDir, req.TaskID)
}

// scanProgress consumes progress lines until the stream ends, the cancel
// token trips (kill is invoked and true returned) or reading fails.
func scanProgress(r io.Reader, req task.DownloadRequest, kill func()) (bool, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if req.Canceled != nil && req.Canceled() {
			kill()
			return true, nil
		}
		if pct, ok := ParseProgress(scanner.Text()); ok && req.OnProgress != nil {
			req.OnProgress(pct)
		}
	}
	return false, scanner.Err()
}

// ParseProgress extracts a 0-100 value from a yt-dlp --newline progress
// line.
func ParseProgress(line string) (int, bool) {
	match := progressLine.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	pct := int(value)
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

// resolveAudioPath prefers the extracted mp3 and falls back to whatever
// file yt-dlp produced for the task id.
func resolveAudioPath(outDir, taskID string) (string, error) {
	mp3Path := filepath.Join(outDir, taskID+".mp3")
	if _, err := os.Stat(mp3Path); err == nil {
		return mp3Path, nil
	}
	matches, err := filepath.Glob(filepath.Join(outDir, taskID+".*"))
	if err == nil && len(matches) > 0 {
		return matches[0], nil
	}
	return "", fmt.Errorf("yt-dlp finished but produced no audio file for task %s", taskID)
}

// removeArtifacts deletes partial downloads left behind by a failed or
// canceled run.
func removeArtifacts(outDir, taskID string) {
	matches, err := filepath.Glob(filepath.Join(outDir, taskID+".*"))
	if err != nil {
		return
	}
	for _, match := range matches {
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			log.Warn().Str("path", match).Err(err).Msg("remove partial download failed")
		}
	}
}
