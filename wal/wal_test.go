package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sig-0/go-tendermint/types"
)

func messageEntry(height uint64, data string) Entry {
	return Entry{
		Height: height,
		Message: &MessageEntry{
			Kind: MessageVote,
			Data: []byte(data),
		},
	}
}

func timeoutEntry(height uint64, kind types.TimeoutKind, round int64) Entry {
	return Entry{
		Height:  height,
		Timeout: &TimeoutEntry{Kind: kind, Round: round},
	}
}

func Test_EntryCodec(t *testing.T) {
	t.Parallel()

	table := []struct {
		name  string
		entry Entry
	}{
		{
			name:  "message entry",
			entry: messageEntry(1, "message data"),
		},

		{
			name: "proposal entry",
			entry: Entry{
				Height:  7,
				Message: &MessageEntry{Kind: MessageProposal, Data: []byte("proposal")},
			},
		},

		{
			name:  "timeout entry",
			entry: timeoutEntry(3, types.TimeoutPrecommit, 2),
		},

		{
			name:  "round 0 propose timeout",
			entry: timeoutEntry(1, types.TimeoutPropose, 0),
		},
	}

	for _, tt := range table {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			decoded, err := UnmarshalEntry(tt.entry.Marshal())
			require.NoError(t, err)

			assert.Equal(t, tt.entry, decoded)
		})
	}
}

func Test_FileWAL_AppendRead(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal")

	w, err := NewFileWAL(path)
	require.NoError(t, err)

	entries := []Entry{
		messageEntry(1, "first"),
		timeoutEntry(1, types.TimeoutPropose, 0),
		messageEntry(1, "second"),
		messageEntry(2, "other height"),
	}

	for _, entry := range entries {
		require.NoError(t, w.Append(entry))
	}

	require.NoError(t, w.Flush())

	read, err := w.ReadAll(1)
	require.NoError(t, err)

	require.Len(t, read, 3)
	assert.Equal(t, entries[0], read[0])
	assert.Equal(t, entries[1], read[1])
	assert.Equal(t, entries[2], read[2])

	read, err = w.ReadAll(2)
	require.NoError(t, err)
	require.Len(t, read, 1)

	require.NoError(t, w.Close())
}

func Test_FileWAL_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal")

	w, err := NewFileWAL(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(messageEntry(1, "before crash")))
	require.NoError(t, w.Close())

	w, err = NewFileWAL(path)
	require.NoError(t, err)

	read, err := w.ReadAll(1)
	require.NoError(t, err)

	require.Len(t, read, 1)
	assert.Equal(t, []byte("before crash"), read[0].Message.Data)

	require.NoError(t, w.Close())
}

func Test_FileWAL_TornTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal")

	w, err := NewFileWAL(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(messageEntry(1, "intact")))
	require.NoError(t, w.Append(messageEntry(1, "torn")))
	require.NoError(t, w.Close())

	// cut the file mid-record, as a crash during append would
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	w, err = NewFileWAL(path)
	require.NoError(t, err)

	read, err := w.ReadAll(1)
	require.NoError(t, err)

	require.Len(t, read, 1)
	assert.Equal(t, []byte("intact"), read[0].Message.Data)

	require.NoError(t, w.Close())
}

func Test_FileWAL_CorruptRecord(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal")

	w, err := NewFileWAL(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(messageEntry(1, "intact")))
	require.NoError(t, w.Append(messageEntry(1, "will be corrupted")))
	require.NoError(t, w.Close())

	// flip a byte in the second record's payload
	bz, err := os.ReadFile(path)
	require.NoError(t, err)

	bz[len(bz)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, bz, 0o600))

	w, err = NewFileWAL(path)
	require.NoError(t, err)

	read, err := w.ReadAll(1)
	require.NoError(t, err)

	// the corrupt record and everything after it are dropped
	require.Len(t, read, 1)
	assert.Equal(t, []byte("intact"), read[0].Message.Data)

	require.NoError(t, w.Close())
}

func Test_FileWAL_Truncate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal")

	w, err := NewFileWAL(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(messageEntry(1, "height 1")))
	require.NoError(t, w.Append(messageEntry(2, "height 2")))
	require.NoError(t, w.Append(messageEntry(3, "height 3")))

	require.NoError(t, w.Truncate(3))

	read, err := w.ReadAll(1)
	require.NoError(t, err)
	assert.Empty(t, read)

	read, err = w.ReadAll(3)
	require.NoError(t, err)
	require.Len(t, read, 1)

	// the wal stays appendable after a truncate
	require.NoError(t, w.Append(messageEntry(3, "after truncate")))
	require.NoError(t, w.Flush())

	read, err = w.ReadAll(3)
	require.NoError(t, err)
	assert.Len(t, read, 2)

	require.NoError(t, w.Close())
}

func Test_FileWAL_Closed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal")

	w, err := NewFileWAL(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.Append(messageEntry(1, "late")), ErrClosed)
	assert.ErrorIs(t, w.Flush(), ErrClosed)

	_, err = w.ReadAll(1)
	assert.ErrorIs(t, err, ErrClosed)
}

func Test_MemWAL(t *testing.T) {
	t.Parallel()

	w := NewMemWAL()

	require.NoError(t, w.Append(messageEntry(1, "first")))
	require.NoError(t, w.Append(messageEntry(2, "second")))
	require.NoError(t, w.Flush())

	read, err := w.ReadAll(1)
	require.NoError(t, err)
	require.Len(t, read, 1)

	require.NoError(t, w.Truncate(2))

	read, err = w.ReadAll(1)
	require.NoError(t, err)
	assert.Empty(t, read)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(messageEntry(3, "late")), ErrClosed)
}
