package whisper

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
	"sort"
	"strconv"
	"strings"
	"time"
)

// Engine wraps a resolved whisper.cpp binary and model. Once constructed
// it is read-only and safe to share.
type Engine struct {
	binPath     string
	ffprobePath string
	modelPath   string
	language    string
}

func newEngine(cfg Config) (*Engine, error) {
	binPath := cfg.BinPath
	if binPath == "" {
		binPath = "whisper.cpp"
	}
	resolvedBin, err := exec.LookPath(binPath)
	if err != nil {
		return nil, fmt.Errorf("whisper binary not found: %s", binPath)
	}
	modelPath, err := resolveModelPath(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	ffprobePath := cfg.FFprobePath
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Engine{
		binPath:     resolvedBin,
		ffprobePath: ffprobePath,
		modelPath:   modelPath,
		language:    cfg.Language,
	}, nil
}

// resolveModelPath accepts a model file directly or picks the first
// .bin/.gguf file (sorted by name) from a model directory.
func resolveModelPath(rawPath string) (string, error) {
	modelPath := strings.TrimSpace(rawPath)
	if modelPath == "" {
		return "", fmt.Errorf("model path is required")
	}
	info, err := os.Stat(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot access model path: %s", modelPath)
	}
	if !info.IsDir() {
		return modelPath, nil
	}
	entries, err := os.ReadDir(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot read model directory: %s", modelPath)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".bin" || ext == ".gguf" {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no .bin or .gguf model files found in: %s", modelPath)
	}
	sort.Strings(names)
	return filepath.Join(modelPath, names[0]), nil
}

// Segment is one timed text fragment emitted during transcription.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// segment lines look like: [00:00:00.000 --> 00:00:02.480]  some text
var segmentLine = regexp.MustCompile(
	`^\[(\d{2}):(\d{2}):(\d{2})[.,](\d{3}) --> (\d{2}):(\d{2}):(\d{2})[.,](\d{3})\]\s*(.*)$`)

// Transcribe streams whisper.cpp output, invoking onSegment for each
// timed fragment. A non-nil error from onSegment aborts the run and is
// returned unchanged.
func (e *Engine) Transcribe(ctx context.Context, audioPath string, onSegment func(Segment) error) (string, error) {
	args := []string{"-m", e.modelPath, "-f", audioPath}
	if lang := normalizeLanguage(e.language); lang != "" {
		args = append(args, "-l", lang)
	}
	cmd := exec.CommandContext(ctx, e.binPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("pipe whisper stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start whisper: %w", err)
	}

	parts, abortErr, scanErr := consumeSegments(stdout, onSegment, func() { _ = cmd.Process.Kill() })
	waitErr := cmd.Wait()
	if abortErr != nil {
		return "", abortErr
	}
	if waitErr != nil {
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = waitErr.Error()
		}
		return "", fmt.Errorf("whisper: %s", message)
	}
	if scanErr != nil {
		return "", fmt.Errorf("whisper: read output: %w", scanErr)
	}
	return strings.TrimSpace(strings.Join(parts, " ")), nil
}

// consumeSegments collects segment texts until the stream ends, onSegment
// aborts (kill is invoked and the error returned as abort) or reading
// fails.
func consumeSegments(r io.Reader, onSegment func(Segment) error, kill func()) (parts []string, abort, readErr error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		segment, ok := ParseSegmentLine(scanner.Text())
		if !ok {
			continue
		}
		if onSegment != nil {
			if err := onSegment(segment); err != nil {
				kill()
				return parts, err, nil
			}
		}
		parts = append(parts, segment.Text)
	}
	return parts, nil, scanner.Err()
}

// Duration probes the audio duration via ffprobe.
func (e *Engine) Duration(ctx context.Context, audioPath string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, e.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		audioPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration: %w", err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// ParseSegmentLine parses one whisper.cpp timestamped output line.
func ParseSegmentLine(line string) (Segment, bool) {
	match := segmentLine.FindStringSubmatch(strings.TrimSpace(line))
	if match == nil {
		return Segment{}, false
	}
	start := parseStamp(match[1], match[2], match[3], match[4])
	end := parseStamp(match[5], match[6], match[7], match[8])
	text := strings.TrimSpace(match[9])
	if text == "" {
		return Segment{}, false
	}
	return Segment{Start: start, End: end, Text: text}, true
}

func parseStamp(hours, minutes, seconds, millis string) time.Duration {
	h, _ := strconv.Atoi(hours)
	m, _ := strconv.Atoi(minutes)
	s, _ := strconv.Atoi(seconds)
	ms, _ := strconv.Atoi(millis)
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(ms)*time.Millisecond
}

func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}
