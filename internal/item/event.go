package item

// Event types recorded in the audit log.
const (
	EventCaptured      = "item.captured"
	EventAdvanced      = "item.advanced"
	EventFailed        = "item.failed"
	EventTranscription = "transcription.failed"
	EventDelivery      = "sink.failed"
	EventRecovered     = "recover.resolved"
	EventRejected      = "inbox.rejected"
)

// Event levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event is one entry of the pipeline's audit log. ItemID is empty for events
// not tied to an item (a rejected inbox file).
type Event struct {
	Seq       int64  `json:"seq"`
	ItemID    string `json:"item_id,omitempty"`
	Type      string `json:"type"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at"`
}
