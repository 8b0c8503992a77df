package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/ops"
)

// RejectedDir is the inbox subfolder malformed captures are moved to.
const RejectedDir = "rejected"

// inboxSettle is how long a file that does not parse yet is given to be
// fully written by the bot before it is rejected.
const inboxSettle = 2 * time.Second

// inboxMessage is the JSON file the capture bot drops into the inbox.
// Voice captures name a sibling audio file.
type inboxMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	UserID    any    `json:"user_id"`
	Username  string `json:"username"`
	ChatID    any    `json:"chat_id"`
	MessageID any    `json:"message_id"`
	Filename  string `json:"filename"`
	Duration  any    `json:"duration"`
}

// timestampLayouts are tried in order; zone-less forms use the configured
// timezone.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ingestInbox turns every settled *.json file in the inbox into an item.
func (w *Watcher) ingestInbox(ctx context.Context, report *ScanReport) {
	inbox := w.cfg.InboxDir()
	entries, err := os.ReadDir(inbox)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Error("read inbox", "dir", inbox, "err", err)
			report.Errors++
		}
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		switch err := w.ingestFile(ctx, filepath.Join(inbox, name)); {
		case err == nil:
			report.Ingested++
		case stderrors.Is(err, errInboxPending):
		case errors.Is(err, errors.ErrInvalidRequest):
			report.Rejected++
		default:
			w.logger.Error("ingest inbox file", "file", name, "err", err)
			report.Errors++
		}
	}
}

var errInboxPending = stderrors.New("inbox file still being written")

// ingestFile submits one inbox file and removes it. A file whose message
// identity was already captured is dropped as a duplicate, so a crash
// between submit and removal is harmless.
func (w *Watcher) ingestFile(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIO("stat inbox file", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.NewIO("read inbox file", err)
	}

	var msg inboxMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		if time.Since(info.ModTime()) < inboxSettle {
			return errInboxPending
		}
		return w.reject(ctx, path, "", fmt.Sprintf("malformed JSON: %v", err))
	}

	base := strings.TrimSuffix(filepath.Base(path), ".json")
	meta := item.SourceMeta{
		SenderID:  idString(msg.UserID),
		ChatID:    idString(msg.ChatID),
		MessageID: idString(msg.MessageID),
		Username:  strings.TrimSpace(msg.Username),
	}
	if meta.MessageID == "" {
		meta.MessageID = base
	}
	if d := idString(msg.Duration); d != "" {
		meta.Extra = map[string]string{"duration": d}
	}
	capturedAt := w.parseTimestamp(msg.Timestamp, info.ModTime())

	input := ops.SubmitInput{
		Kind:       msg.Type,
		Content:    msg.Content,
		Source:     meta,
		CapturedAt: capturedAt,
	}

	var audio string
	if kind, _ := item.ParseKind(msg.Type); kind == item.KindVoice || (msg.Type == "" && msg.Filename != "") {
		input.Kind = string(item.KindVoice)
		audio, err = w.claimAudio(path, msg.Filename, capturedAt, meta)
		if err != nil {
			if errors.Is(err, errors.ErrInvalidRequest) {
				return w.reject(ctx, path, "", err.Error())
			}
			return err
		}
		input.ContentRef = audio
		if meta.Extra == nil {
			meta.Extra = map[string]string{}
		}
		meta.Extra["filename"] = msg.Filename
		input.Source = meta
	}

	out, err := ops.Submit(ctx, w.st, input)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidRequest) {
			return w.reject(ctx, path, audio, err.Error())
		}
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("remove ingested inbox file", "file", path, "err", err)
	}
	if out.Duplicate {
		w.logger.Info("inbox duplicate dropped", "file", filepath.Base(path), "id", out.ID)
	} else {
		w.logger.Info("inbox captured", "file", filepath.Base(path), "id", out.ID, "kind", out.Kind)
	}
	return nil
}

// claimAudio moves the audio file named by an inbox message into the media
// dir under a name derived from the item id, and returns its new path.
// If the move already happened before a crash, the moved file is reused.
func (w *Watcher) claimAudio(jsonPath, filename string, capturedAt time.Time, meta item.SourceMeta) (string, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return "", errors.NewInvalidRequest("voice capture without filename")
	}
	if filename != filepath.Base(filename) || filename == ".." || strings.ContainsAny(filename, `/\`) {
		return "", errors.NewInvalidRequest(fmt.Sprintf("audio filename %q must be a plain file name", filename))
	}

	id, err := item.NewID(capturedAt, meta)
	if err != nil {
		return "", errors.NewInternal(err)
	}
	media := w.cfg.MediaDir()
	if err := os.MkdirAll(media, dirPerm); err != nil {
		return "", errors.NewIO("create media dir", err)
	}
	dst := filepath.Join(media, id+strings.ToLower(filepath.Ext(filename)))
	src := filepath.Join(filepath.Dir(jsonPath), filename)

	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(dst); statErr == nil {
				return dst, nil
			}
			return "", errors.NewInvalidRequest(fmt.Sprintf("audio file %s is missing", filename))
		}
		return "", errors.NewIO("move audio", err)
	}
	return dst, nil
}

// reject moves a bad inbox file (and its claimed audio) to inbox/rejected.
func (w *Watcher) reject(ctx context.Context, path, audio, reason string) error {
	dir := filepath.Join(filepath.Dir(path), RejectedDir)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.NewIO("create rejected dir", err)
	}
	for _, p := range []string{path, audio} {
		if p == "" {
			continue
		}
		if err := os.Rename(p, filepath.Join(dir, filepath.Base(p))); err != nil && !os.IsNotExist(err) {
			return errors.NewIO("move rejected file", err)
		}
	}

	name := filepath.Base(path)
	w.logger.Warn("inbox file rejected", "file", name, "reason", reason)
	w.st.AppendEvent(ctx, "", item.EventRejected, item.LevelWarn, name+": "+reason)
	return errors.NewInvalidRequest(reason)
}

func (w *Watcher) parseTimestamp(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	loc, err := w.cfg.Location()
	if err != nil {
		loc = time.Local
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t
		}
	}
	w.logger.Debug("unparseable inbox timestamp, using file time", "timestamp", s)
	return fallback
}

// idString renders a JSON scalar id (number or string) as a string.
func idString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return ""
	}
	return fmt.Sprint(v)
}
