package item

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		input string
		want  Kind
		ok    bool
	}{
		{"text", KindText, true},
		{"note", KindText, true},
		{" Voice ", KindVoice, true},
		{"voice_transcription", KindVoice, true},
		{"TODO", KindTodo, true},
		{"idea", KindIdea, true},
		{"link", KindLink, true},
		{"photo", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseKind(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStage(t *testing.T) {
	tests := []struct {
		input string
		want  Stage
		ok    bool
	}{
		{"incoming", StageIncoming, true},
		{"processed", StageProcessed, true},
		{"ready", StageReady, true},
		{"ready_for_obsidian", StageReady, true},
		{"archived", StageArchived, true},
		{"archive", StageArchived, true},
		{"failed", StageFailed, true},
		{"done", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseStage(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStageRank(t *testing.T) {
	for i := 1; i < len(Stages); i++ {
		assert.Greater(t, Stages[i].Rank(), Stages[i-1].Rank(), "%s should rank above %s", Stages[i], Stages[i-1])
	}
	assert.Equal(t, -1, Stage("bogus").Rank())
	assert.False(t, Stage("bogus").Valid())
	assert.True(t, StageFailed.Terminal())
	assert.True(t, StageArchived.Terminal())
	assert.False(t, StageReady.Terminal())
}

func TestCanAdvance(t *testing.T) {
	allowed := map[[2]Stage]bool{
		{StageIncoming, StageProcessed}: true,
		{StageIncoming, StageFailed}:    true,
		{StageProcessed, StageReady}:    true,
		{StageReady, StageArchived}:     true,
	}
	for _, from := range Stages {
		for _, to := range Stages {
			want := allowed[[2]Stage{from, to}]
			assert.Equal(t, want, CanAdvance(from, to), "%s -> %s", from, to)
		}
	}
}

func TestClone_IsDeep(t *testing.T) {
	transcript := "hello"
	orig := &Item{
		ID:         "01J0000000000000000000000A",
		Kind:       KindVoice,
		Transcript: &transcript,
		SourceMeta: SourceMeta{Extra: map[string]string{"duration": "4"}},
	}

	c := orig.Clone()
	*c.Transcript = "changed"
	c.SourceMeta.Extra["duration"] = "9"

	assert.Equal(t, "hello", *orig.Transcript)
	assert.Equal(t, "4", orig.SourceMeta.Extra["duration"])
}

func TestText(t *testing.T) {
	transcript := "spoken words"
	assert.Equal(t, "spoken words", (&Item{Kind: KindVoice, Content: "ignored", Transcript: &transcript}).Text())
	assert.Equal(t, "", (&Item{Kind: KindVoice}).Text())
	assert.Equal(t, "Buy milk", (&Item{Kind: KindTodo, Content: "Buy milk"}).Text())
}

func TestNewID_DeterministicForSourceMessage(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	meta := SourceMeta{ChatID: "42", MessageID: "1001"}

	a, err := NewID(at, meta)
	require.NoError(t, err)
	b, err := NewID(at, meta)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 26)

	other, err := NewID(at, SourceMeta{ChatID: "42", MessageID: "1002"})
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	ts, err := IDTime(a)
	require.NoError(t, err)
	assert.Equal(t, at.Unix(), ts.Unix())
}

func TestNewID_RandomWithoutSource(t *testing.T) {
	at := time.Now()
	a, err := NewID(at, SourceMeta{})
	require.NoError(t, err)
	b, err := NewID(at, SourceMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestIDTime_Invalid(t *testing.T) {
	_, err := IDTime("not-a-ulid")
	assert.Error(t, err)
}

func TestToSummary(t *testing.T) {
	delivered := int64(5)
	it := &Item{
		ID:          "01J0000000000000000000000A",
		Kind:        KindText,
		Stage:       StageReady,
		Content:     "a fairly short note",
		DeliveredAt: &delivered,
		CreatedAt:   1,
	}
	s := it.ToSummary()
	assert.Equal(t, "a fairly short note", s.Preview)
	assert.True(t, s.Delivered)
	assert.False(t, s.HasTranscript)
	assert.Equal(t, StageReady, s.Stage)
}
