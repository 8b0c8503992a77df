package item

// previewChars bounds the text preview in summaries.
const previewChars = 80

// Summary represents an item's metadata without full payloads.
// Used by list operations to reduce data transfer.
type Summary struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Stage Stage  `json:"stage"`

	// Preview is the start of the content or transcript
	Preview string `json:"preview,omitempty"`

	// ContentRef is the audio path of voice items
	ContentRef string `json:"content_ref,omitempty"`

	HasTranscript bool    `json:"has_transcript"`
	Category      *string `json:"category,omitempty"`
	Attempts      int     `json:"attempts,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`
	Delivered     bool    `json:"delivered"`

	CreatedAt      int64 `json:"created_at"`
	UpdatedAt      int64 `json:"updated_at"`
	StageChangedAt int64 `json:"stage_changed_at"`
}

// ToSummary converts an Item to a Summary by stripping the payloads.
func (it *Item) ToSummary() Summary {
	return Summary{
		ID:             it.ID,
		Kind:           it.Kind,
		Stage:          it.Stage,
		Preview:        Truncate(it.Text(), previewChars),
		ContentRef:     it.ContentRef,
		HasTranscript:  it.Transcript != nil,
		Category:       it.Category,
		Attempts:       it.Attempts,
		FailureReason:  it.FailureReason,
		Delivered:      it.DeliveredAt != nil,
		CreatedAt:      it.CreatedAt,
		UpdatedAt:      it.UpdatedAt,
		StageChangedAt: it.StageChangedAt,
	}
}
