package item

import (
	"maps"
	"strings"
)

// Kind classifies what was captured.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
	KindTodo  Kind = "todo"
	KindIdea  Kind = "idea"
	KindLink  Kind = "link"
)

// Kinds lists every kind in display order.
var Kinds = []Kind{KindText, KindVoice, KindTodo, KindIdea, KindLink}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind parses a kind name. The capture bot's historical names are
// accepted as aliases ("note", "voice_transcription").
func ParseKind(s string) (Kind, bool) {
	switch Normalize(s) {
	case "text", "note":
		return KindText, true
	case "voice", "voice_transcription":
		return KindVoice, true
	case "todo":
		return KindTodo, true
	case "idea":
		return KindIdea, true
	case "link":
		return KindLink, true
	}
	return "", false
}

// Stage is a position in the item lifecycle.
type Stage string

const (
	StageIncoming  Stage = "incoming"
	StageProcessed Stage = "processed"
	StageReady     Stage = "ready"
	StageArchived  Stage = "archived"

	// StageFailed is a terminal marker outside the normal progression,
	// reached only from incoming when transcription retries are exhausted.
	StageFailed Stage = "failed"
)

// Stages lists every stage, normal progression first.
var Stages = []Stage{StageIncoming, StageProcessed, StageReady, StageArchived, StageFailed}

// ParseStage parses a stage name. "ready_for_obsidian" and "archive" are
// accepted as aliases of the directory names.
func ParseStage(s string) (Stage, bool) {
	switch Normalize(s) {
	case "incoming":
		return StageIncoming, true
	case "processed":
		return StageProcessed, true
	case "ready", "ready_for_obsidian":
		return StageReady, true
	case "archived", "archive":
		return StageArchived, true
	case "failed":
		return StageFailed, true
	}
	return "", false
}

// Rank orders stages for reconciliation: a higher rank is further along.
// The terminal failed marker ranks above everything. Unknown stages rank -1.
func (s Stage) Rank() int {
	switch s {
	case StageIncoming:
		return 0
	case StageProcessed:
		return 1
	case StageReady:
		return 2
	case StageArchived:
		return 3
	case StageFailed:
		return 4
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Rank() >= 0 }

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool { return s == StageArchived || s == StageFailed }

// transitions holds the only legal moves.
var transitions = map[Stage][]Stage{
	StageIncoming:  {StageProcessed, StageFailed},
	StageProcessed: {StageReady},
	StageReady:     {StageArchived},
}

// CanAdvance reports whether from → to is a legal transition.
func CanAdvance(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourceMeta identifies where a capture came from. The pipeline passes it
// through untouched; only ChatID and MessageID feed id derivation.
type SourceMeta struct {
	SenderID  string            `json:"sender_id,omitempty"`
	ChatID    string            `json:"chat_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Username  string            `json:"username,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Item is one captured unit of content moving through the pipeline.
// The JSON form is the on-disk stage representation.
type Item struct {
	// ID is a ULID derived from the capture time and source message
	ID string `json:"id"`

	Kind  Kind  `json:"kind"`
	Stage Stage `json:"stage"`

	// Content is the text payload of non-voice items
	Content string `json:"content,omitempty"`

	// ContentRef points at the raw payload of voice items (audio file path)
	ContentRef string `json:"content_ref,omitempty"`

	// Transcript is set once, by the incoming → processed transition of a voice item
	Transcript *string `json:"transcript,omitempty"`

	// Category, Formatted and DocumentPath are set by finalize
	Category     *string `json:"category,omitempty"`
	Formatted    *string `json:"formatted,omitempty"`
	DocumentPath *string `json:"document_path,omitempty"`

	// FailureReason is set when the item is moved to the failed marker
	FailureReason *string `json:"failure_reason,omitempty"`

	SourceMeta SourceMeta `json:"source_meta"`

	// Unix timestamps (seconds)
	CreatedAt      int64 `json:"created_at"`
	UpdatedAt      int64 `json:"updated_at"`
	StageChangedAt int64 `json:"stage_changed_at"`

	// Version increments on every write; used for optimistic concurrency
	Version int64 `json:"version"`

	// Bookkeeping owned by the index. Representations carry a snapshot.
	Attempts      int     `json:"attempts"`
	LastError     *string `json:"last_error,omitempty"`
	LastAttemptAt *int64  `json:"last_attempt_at,omitempty"`
	DeliveredAt   *int64  `json:"delivered_at,omitempty"`
}

// Clone returns a deep copy.
func (it *Item) Clone() *Item {
	c := *it
	c.Transcript = clonePtr(it.Transcript)
	c.Category = clonePtr(it.Category)
	c.Formatted = clonePtr(it.Formatted)
	c.DocumentPath = clonePtr(it.DocumentPath)
	c.FailureReason = clonePtr(it.FailureReason)
	c.LastError = clonePtr(it.LastError)
	c.LastAttemptAt = clonePtr(it.LastAttemptAt)
	c.DeliveredAt = clonePtr(it.DeliveredAt)
	c.SourceMeta.Extra = maps.Clone(it.SourceMeta.Extra)
	return &c
}

// Text returns the best textual form of the item: the transcript for voice
// items, the content otherwise.
func (it *Item) Text() string {
	if it.Kind == KindVoice {
		if it.Transcript != nil {
			return *it.Transcript
		}
		return ""
	}
	return it.Content
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// StringPtr returns a pointer to s, or nil when s is blank.
func StringPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
