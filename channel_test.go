package beacon

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	BaseSink
	mu       sync.Mutex
	added    []Channel
	removed  []Channel
	messages []string
}

func (s *captureSink) AddChannel(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, ch)
}

func (s *captureSink) RemoveChannel(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, ch)
}

func (s *captureSink) Log(ch Channel, data []byte, meta ResolvedMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, string(data))
	return nil
}

func TestChannelIdentityIsUniquePerNewChannel(t *testing.T) {
	chA, err := NewChannel("/a", "json", Schema{})
	require.NoError(t, err)
	defer chA.Close()

	chB, err := NewChannel("/a", "json", Schema{})
	require.NoError(t, err)
	defer chB.Close()

	assert.NotEqual(t, chA.ID(), chB.ID(), "two NewChannel calls on the same topic get distinct ids")
}

func TestChannelRejectsInvalidUTF8Topic(t *testing.T) {
	_, err := NewChannel(string([]byte{0xff, 0xfe}), "json", Schema{})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidInput, kind)
}

func TestChannelCloneRefcountKeepsChannelOpenUntilAllClosed(t *testing.T) {
	ch, err := NewChannel("/refcount", "json", Schema{})
	require.NoError(t, err)
	clone := ch.Clone()

	require.NoError(t, ch.Close())
	assert.NoError(t, ch.LogWithMeta([]byte("still open"), Metadata{}), "one outstanding clone keeps the channel open")

	require.NoError(t, clone.Close())
	err = clone.LogWithMeta([]byte("now closed"), Metadata{})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindChannelClosed, kind)
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	ch, err := NewChannel("/idempotent", "json", Schema{})
	require.NoError(t, err)
	assert.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())
}

func TestSinkSeesAddAndRemoveChannel(t *testing.T) {
	sink := &captureSink{}
	GlobalLogContext().AddSink(sink)
	defer GlobalLogContext().RemoveSink(sink)

	ch, err := NewChannel("/sink-lifecycle", "json", Schema{})
	require.NoError(t, err)

	require.NoError(t, ch.LogWithMeta([]byte("hello"), Metadata{}))
	require.NoError(t, ch.Close())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, messagesOf(sink), "hello")
	assert.NotEmpty(t, sink.added)
	assert.NotEmpty(t, sink.removed)
}

func messagesOf(s *captureSink) []string { return s.messages }

func TestLogDefaultsMetadataWhenAbsent(t *testing.T) {
	ch, err := NewChannel("/meta-defaults", "json", Schema{})
	require.NoError(t, err)
	defer ch.Close()

	sink := &metaCaptureSink{}
	GlobalLogContext().AddSink(sink)
	defer GlobalLogContext().RemoveSink(sink)

	require.NoError(t, ch.LogWithMeta([]byte("m1"), Metadata{}))
	require.NoError(t, ch.LogWithMeta([]byte("m2"), Metadata{}))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.metas, 2)
	assert.Equal(t, sink.metas[0].Sequence+1, sink.metas[1].Sequence, "sequence is monotone per channel when unset")
	assert.Equal(t, sink.metas[0].LogTime, sink.metas[0].PublishTime, "publish_time defaults to log_time")
}

type metaCaptureSink struct {
	BaseSink
	mu    sync.Mutex
	metas []ResolvedMetadata
}

func (s *metaCaptureSink) Log(ch Channel, data []byte, meta ResolvedMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas = append(s.metas, meta)
	return nil
}
