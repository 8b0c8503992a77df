package transcribe

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/logging"
)

// stderrLimit caps how much tool stderr is kept for error messages.
const stderrLimit = 4096

// waitDelay bounds how long a killed tool may keep its pipes open.
const waitDelay = 2 * time.Second

// ExitError reports a transcription tool that ran and exited non-zero.
type ExitError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// ErrNoOutput is returned when the tool exits 0 but writes no transcript file.
var ErrNoOutput = stderrors.New("transcription tool produced no output file")

// WhisperCLI runs a whisper.cpp style command line tool. Audio that is not
// already WAV is first converted to 16kHz mono with ffmpeg.
type WhisperCLI struct {
	WhisperPath string
	ModelPath   string
	FFmpegPath  string
	Language    string
	Threads     int
	Logger      *slog.Logger
}

// NewWhisperCLI builds a WhisperCLI from configuration.
func NewWhisperCLI(cfg config.TranscriptionConfig, logger *slog.Logger) *WhisperCLI {
	return &WhisperCLI{
		WhisperPath: cfg.WhisperPath,
		ModelPath:   cfg.ModelPath,
		FFmpegPath:  cfg.FFmpegPath,
		Language:    cfg.Language,
		Threads:     cfg.Threads,
		Logger:      logger,
	}
}

// Transcribe converts audioPath if needed, runs whisper and returns the
// trimmed transcript. Intermediate files live in a private temp dir that is
// always removed.
func (w *WhisperCLI) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return "", fmt.Errorf("audio file: %w", err)
	}

	workDir, err := os.MkdirTemp("", "bridge-whisper-")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	wavPath := audioPath
	if !strings.EqualFold(filepath.Ext(audioPath), ".wav") {
		wavPath = filepath.Join(workDir, "audio.wav")
		ffmpeg := w.FFmpegPath
		if ffmpeg == "" {
			ffmpeg = "ffmpeg"
		}
		start := time.Now()
		if err := run(ctx, "ffmpeg", "", ffmpeg,
			"-i", audioPath, "-ar", "16000", "-ac", "1", "-y", wavPath); err != nil {
			return "", err
		}
		w.logger().Debug("audio converted", "src", audioPath, "elapsed", time.Since(start))
	}

	absWav, err := filepath.Abs(wavPath)
	if err != nil {
		return "", err
	}
	absModel, err := filepath.Abs(w.ModelPath)
	if err != nil {
		return "", err
	}
	outBase := filepath.Join(workDir, "transcript")

	args := []string{"-m", absModel, "-f", absWav, "-otxt", "-of", outBase}
	if w.Language != "" {
		args = append(args, "-l", w.Language)
	}
	if w.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(w.Threads))
	}

	// whisper.cpp builds look for shared resources next to the binary, so it
	// runs from there; a relative binary path would then resolve against it.
	whisper := w.WhisperPath
	if strings.ContainsRune(whisper, filepath.Separator) {
		if whisper, err = filepath.Abs(whisper); err != nil {
			return "", err
		}
	}

	start := time.Now()
	if err := run(ctx, "whisper", filepath.Dir(whisper), whisper, args...); err != nil {
		return "", err
	}

	data, err := os.ReadFile(outBase + ".txt")
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return "", ErrNoOutput
		}
		return "", fmt.Errorf("read transcript: %w", err)
	}
	text := strings.TrimSpace(string(data))
	w.logger().Info("transcription complete", "audio", filepath.Base(audioPath), "chars", len([]rune(text)), "elapsed", time.Since(start))
	return text, nil
}

func (w *WhisperCLI) logger() *slog.Logger {
	if w.Logger == nil {
		return logging.Discard()
	}
	return w.Logger
}

// run executes one tool invocation bound to ctx. A cancelled or expired ctx
// kills the process; a non-zero exit becomes an *ExitError.
func run(ctx context.Context, tool, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay

	stderr := &cappedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", tool, ctxErr)
	}
	var ee *exec.ExitError
	if stderrors.As(err, &ee) {
		return &ExitError{Tool: tool, ExitCode: ee.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
	}
	return fmt.Errorf("run %s: %w", tool, err)
}

// cappedBuffer keeps the first limit bytes written and drops the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
