package ops

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
)

func TestListPending_DefaultsToProcessed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := Submit(ctx, env.st, SubmitInput{Content: "still incoming"})
	require.NoError(t, err)
	var ids []string
	for i := range 3 {
		env.advanceClock(time.Second)
		ids = append(ids, env.submitProcessed(t, fmt.Sprintf("note %d", i)))
	}

	out, err := ListPending(ctx, env.st, ListPendingInput{})
	require.NoError(t, err)
	require.Equal(t, item.StageProcessed, out.Stage)
	require.Len(t, out.Items, 3)
	for i, s := range out.Items {
		require.Equal(t, ids[i], s.ID, "oldest first")
		require.Equal(t, item.StageProcessed, s.Stage)
	}
	require.Equal(t, Pagination{Limit: DefaultListLimit, Offset: 0, HasMore: false, Total: 3}, out.Pagination)
}

func TestListPending_PaginationAndKind(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := range 5 {
		env.advanceClock(time.Second)
		env.submitProcessed(t, fmt.Sprintf("TODO: task %d", i))
	}
	env.submitProcessed(t, "IDEA: one idea")

	out, err := ListPending(ctx, env.st, ListPendingInput{Kind: "todo", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, out.Items, 2)
	require.Equal(t, "TODO: task 2", out.Items[0].Preview)
	require.True(t, out.Pagination.HasMore)
	require.Equal(t, 5, out.Pagination.Total)

	out, err = ListPending(ctx, env.st, ListPendingInput{Kind: "idea"})
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	require.NotNil(t, out.Items)

	out, err = ListPending(ctx, env.st, ListPendingInput{Stage: "failed"})
	require.NoError(t, err)
	require.Empty(t, out.Items)
	require.NotNil(t, out.Items)
}

func TestListPending_Invalid(t *testing.T) {
	env := newTestEnv(t)
	_, err := ListPending(context.Background(), env.st, ListPendingInput{Stage: "later"})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = ListPending(context.Background(), env.st, ListPendingInput{Kind: "poem"})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestGetContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.submitProcessed(t, "TODO: Buy milk")

	out, err := GetContent(ctx, env.st, GetContentInput{ID: " " + id + " "})
	require.NoError(t, err)
	require.Equal(t, id, out.ID)
	require.Equal(t, "TODO: Buy milk", out.Content)
	require.Equal(t, "TODO: Buy milk", out.Text)

	_, err = GetContent(ctx, env.st, GetContentInput{})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = GetContent(ctx, env.st, GetContentInput{ID: "01NOPE"})
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.submitProcessed(t, "note")

	out, err := Events(ctx, env.st, EventsInput{ItemID: id})
	require.NoError(t, err)
	require.Len(t, out.Events, 2)
	require.Equal(t, item.EventAdvanced, out.Events[0].Type)
	require.Equal(t, item.EventCaptured, out.Events[1].Type)

	out, err = Events(ctx, env.st, EventsInput{Level: "error"})
	require.NoError(t, err)
	require.Empty(t, out.Events)
	require.NotNil(t, out.Events)

	_, err = Events(ctx, env.st, EventsInput{Level: "fatal"})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
