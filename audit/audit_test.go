package audit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reploid-dev/reploid/audit"
	"github.com/reploid-dev/reploid/bus"
	"github.com/reploid-dev/reploid/vfs"
)

func TestLogRecordsEveryTopicInArrivalOrder(t *testing.T) {
	b := bus.New()
	fs := vfs.New(vfs.Options{Bus: b})
	log := audit.New(b, fs.Clock)
	log.Start()

	require.NoError(t, fs.Write(context.Background(), "/a.txt", []byte("one")))
	b.Emit(context.Background(), "cycle:think_begin", map[string]string{"goal": "hi"})
	require.NoError(t, fs.Write(context.Background(), "/b.txt", []byte("two")))

	events := log.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "vfs:write", events[0].Topic)
	assert.Equal(t, "cycle:think_begin", events[1].Topic)
	assert.Equal(t, "vfs:write", events[2].Topic)
	assert.Less(t, events[0].LogicalClock, events[2].LogicalClock)
}

func TestStopUnsubscribesFromBus(t *testing.T) {
	b := bus.New()
	fs := vfs.New(vfs.Options{Bus: b})
	log := audit.New(b, fs.Clock)
	log.Start()
	log.Stop()

	require.NoError(t, fs.Write(context.Background(), "/a.txt", []byte("one")))
	assert.Empty(t, log.Events())
}

func TestExportImportRoundTrip(t *testing.T) {
	b := bus.New()
	fs := vfs.New(vfs.Options{Bus: b})
	log := audit.New(b, fs.Clock)
	log.Start()
	require.NoError(t, fs.Write(context.Background(), "/a.txt", []byte("one")))

	bundle := log.ExportRun()
	require.Len(t, bundle.Events, 1)

	restored := audit.New(bus.New(), nil)
	restored.ImportRun(bundle)
	assert.Equal(t, bundle.Events, restored.Events())
}

func TestReplayVFSReconstructsWritesAndDeletes(t *testing.T) {
	b := bus.New()
	fs := vfs.New(vfs.Options{Bus: b})
	log := audit.New(b, fs.Clock)
	log.Start()

	require.NoError(t, fs.Write(context.Background(), "/a.txt", []byte("one")))
	require.NoError(t, fs.Write(context.Background(), "/b.txt", []byte("two")))
	require.NoError(t, fs.Delete(context.Background(), "/a.txt"))

	bundle := log.ExportRun()

	fresh := vfs.New(vfs.Options{})
	require.NoError(t, audit.ReplayVFS(context.Background(), fresh, bundle))

	_, err := fresh.Read("/a.txt")
	assert.Error(t, err)
	content, err := fresh.Read("/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "two", string(content))
}

func TestIsLLMTopic(t *testing.T) {
	assert.True(t, audit.IsLLMTopic("llm:stream_delta"))
	assert.False(t, audit.IsLLMTopic("vfs:write"))
}
