package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type pageNote struct {
	URL    string `json:"url"`
	PageID string `json:"page_id"`
}

func TestPublisherEncodesPerTopic(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()

	id, err := pub.Publish(ctx, "pages", pageNote{URL: "https://a.test/", PageID: "p1"})
	require.NoError(t, err)
	require.Equal(t, "1", id)
	id, err = pub.Publish(ctx, "audit", map[string]int{"n": 2})
	require.NoError(t, err)
	require.Equal(t, "2", id)

	notes := pub.MessagesFor("pages")
	require.Len(t, notes, 1)
	require.Equal(t, "application/json", notes[0].Attributes["content-type"])
	require.JSONEq(t, `{"url":"https://a.test/","page_id":"p1"}`, string(notes[0].Data))

	var got pageNote
	require.NoError(t, notes[0].Decode(&got))
	require.Equal(t, "p1", got.PageID)
	require.Empty(t, pub.MessagesFor("missing"))

	notes[0].Topic = "modified"
	require.Equal(t, "pages", pub.MessagesFor("pages")[0].Topic)
}

func TestPublisherRejectsAfterClose(t *testing.T) {
	t.Parallel()

	pub := New()
	require.NoError(t, pub.Close())
	_, err := pub.Publish(context.Background(), "pages", "x")
	require.ErrorContains(t, err, "publisher closed")

	_, err = New().Publish(context.Background(), "pages", func() {})
	require.ErrorContains(t, err, "marshal notification")
}
