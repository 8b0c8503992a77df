// Package transcribe turns voice items into text through an external
// speech-to-text tool.
package transcribe

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
)

// Transcriber converts an audio file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Adapter applies the pipeline's rules around a Transcriber: only voice
// items, one bounded attempt, failures reported as TRANSCRIPTION_ERROR.
// Retrying is the caller's decision.
type Adapter struct {
	tool    Transcriber
	timeout time.Duration
	logger  *slog.Logger
}

// NewAdapter wraps tool. A timeout of zero leaves the attempt bounded only
// by the caller's context.
func NewAdapter(tool Transcriber, timeout time.Duration, logger *slog.Logger) *Adapter {
	return &Adapter{tool: tool, timeout: timeout, logger: logger}
}

// Transcribe returns the transcript of a voice item. An empty transcript
// from a tool that exited cleanly is a valid result.
func (a *Adapter) Transcribe(ctx context.Context, it *item.Item) (string, error) {
	if it.Kind != item.KindVoice {
		return "", errors.NewInvalidRequest(fmt.Sprintf("item %s is %s, not voice", it.ID, it.Kind))
	}
	if it.ContentRef == "" {
		return "", errors.NewInvalidRequest(fmt.Sprintf("item %s has no audio reference", it.ID))
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := a.tool.Transcribe(ctx, it.ContentRef)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", a.timeout, err)
		}
		a.logger.Warn("transcription failed", "id", it.ID, "audio", it.ContentRef, "elapsed", time.Since(start), "err", err)
		return "", errors.NewTranscriptionError(it.ID, err)
	}
	return text, nil
}
