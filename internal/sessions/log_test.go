package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "agent:main:telegram:dm:u42"

func TestAppendLoadRoundTrip(t *testing.T) {
	l, err := NewLog(t.TempDir())
	require.NoError(t, err)

	seq1, err := l.Append(testKey, UserEntry("hi"))
	require.NoError(t, err)
	seq2, err := l.Append(testKey, AssistantEntry("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)

	entries, err := l.Load(testKey, LoadOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryUser, entries[0].Type)
	assert.Equal(t, "hi", entries[0].Message().Text)
	assert.Equal(t, EntryAssistant, entries[1].Type)
	assert.Equal(t, "hello", entries[1].Message().Text)
}

func TestLoadFromSeqAndLimit(t *testing.T) {
	l, err := NewLog(t.TempDir())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Append(testKey, UserEntry("m"))
		require.NoError(t, err)
	}

	entries, err := l.Load(testKey, LoadOpts{FromSeq: 3, Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(3), entries[0].Seq)
	assert.Equal(t, uint64(4), entries[1].Seq)
}

func TestGapDetectionRefusesWrites(t *testing.T) {
	root := t.TempDir()
	l, err := NewLog(root)
	require.NoError(t, err)
	_, err = l.Append(testKey, UserEntry("one"))
	require.NoError(t, err)

	// Forge a gap: write a line with seq 3 directly.
	path := filepath.Join(root, "sessions", SafeFilename(testKey)+".jsonl")
	forged, _ := json.Marshal(Entry{Seq: 3, Type: EntryUser, Data: json.RawMessage(`{"text":"x"}`)})
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(append(forged, '\n'))
	require.NoError(t, err)
	f.Close()

	// Fresh Log instance re-reads the file.
	l2, err := NewLog(root)
	require.NoError(t, err)
	_, err = l2.Load(testKey, LoadOpts{})
	require.ErrorIs(t, err, ErrCorrupted)

	// Corrupted key refuses writes until reset.
	_, err = l2.Append(testKey, UserEntry("blocked"))
	require.ErrorIs(t, err, ErrCorrupted)

	require.NoError(t, l2.Reset(testKey))
	_, err = l2.Append(testKey, UserEntry("fresh"))
	require.NoError(t, err)
}

func TestUnknownEntryTypePreserved(t *testing.T) {
	l, err := NewLog(t.TempDir())
	require.NoError(t, err)
	e, _ := newEntry("future_thing", map[string]string{"x": "y"})
	_, err = l.Append(testKey, e)
	require.NoError(t, err)

	entries, err := l.Load(testKey, LoadOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "future_thing", entries[0].Type)
}

func TestKeysRoundTripUnderscoreUserID(t *testing.T) {
	root := t.TempDir()
	l, err := NewLog(root)
	require.NoError(t, err)

	underscored := "agent:main:telegram:dm:user_42"
	_, err = l.Append(underscored, UserEntry("hi"))
	require.NoError(t, err)
	_, err = l.Append(testKey, UserEntry("hi"))
	require.NoError(t, err)

	keys, err := l.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{underscored, testKey}, keys)

	// A fresh Log over the same directory reads the index back from disk.
	reopened, err := NewLog(root)
	require.NoError(t, err)
	keys, err = reopened.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{underscored, testKey}, keys)
}

func TestKeysSkipsUnindexedAmbiguousLog(t *testing.T) {
	root := t.TempDir()
	l, err := NewLog(root)
	require.NoError(t, err)
	_, err = l.Append(testKey, UserEntry("hi"))
	require.NoError(t, err)

	// A pre-index log whose filename reversal is not a canonical key must
	// not surface as a phantom session.
	stray := filepath.Join(root, "sessions", "agent_main_telegram_dm_user_42.jsonl")
	require.NoError(t, os.WriteFile(stray, []byte(`{"seq":1,"type":"user","data":{"text":"x"},"ts":"2026-01-01T00:00:00Z"}`+"\n"), 0o644))

	keys, err := l.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{testKey}, keys)
}
