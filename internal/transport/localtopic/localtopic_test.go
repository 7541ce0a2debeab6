package localtopic

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hcsagent/internal/transport"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topics.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestCreateTopic_SequentialIDs(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()

	a, err := l.CreateTopic(ctx)
	require.NoError(t, err)
	b, err := l.CreateTopic(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.0.1", a)
	assert.Equal(t, "0.0.2", b)

	require.NoError(t, l.EnsureTopic(ctx, "inbound", "agent inbox"))
	require.NoError(t, l.EnsureTopic(ctx, "inbound", "ignored"))
	c, err := l.CreateTopic(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.0.4", c)

	topics, err := l.Topics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.0.1", "0.0.2", "inbound", "0.0.4"}, topics)
}

func TestSendAndPoll(t *testing.T) {
	l, _ := openTestLog(t)
	at := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	l.SetClock(func() time.Time { return at })
	ctx := context.Background()
	require.NoError(t, l.EnsureTopic(ctx, "in", ""))

	for i, body := range []string{"one", "two", "three"} {
		seq, err := l.SendMessage(ctx, "in", []byte(body))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}

	msgs, err := l.PollMessages(ctx, "in", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, transport.Message{TopicID: "in", SequenceNumber: 2, Contents: []byte("two"), ConsensusAt: at}, msgs[0])
	assert.Equal(t, int64(3), msgs[1].SequenceNumber)

	none, err := l.PollMessages(ctx, "in", 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUnknownTopic(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()

	_, err := l.SendMessage(ctx, "missing", []byte("x"))
	assert.ErrorIs(t, err, transport.ErrTopicNotFound)
	_, err = l.PollMessages(ctx, "missing", 0)
	assert.ErrorIs(t, err, transport.ErrTopicNotFound)
}

func TestSharedFile(t *testing.T) {
	writer, path := openTestLog(t)
	ctx := context.Background()
	require.NoError(t, writer.EnsureTopic(ctx, "in", ""))
	_, err := writer.SendMessage(ctx, "in", []byte("hello"))
	require.NoError(t, err)

	reader, err := Open(path)
	require.NoError(t, err)
	defer reader.Close()

	msgs, err := reader.PollMessages(ctx, "in", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", string(msgs[0].Contents))
}
