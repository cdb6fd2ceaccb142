package protolog

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLogger_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.cbor")

	l, err := NewFileLogger(path)
	require.NoError(t, err)

	frame := []byte{0x31, 0x2e, 0x30, 0x00, 0x01}
	l.Log(FrameCapture("dev-1", ChannelLocal, DirectionOut, frame))
	l.Log(StateCapture("dev-1", ChannelLocal, "DISCOVERING", "CONNECTED"))
	l.Log(ErrorCapture("dev-1", ChannelCloud, errors.New("frame checksum mismatch")))
	require.NoError(t, l.Close())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "dev-1", first.DUID)
	assert.Equal(t, DirectionOut, first.Direction)
	require.NotNil(t, first.Frame)
	assert.Equal(t, len(frame), first.Frame.Size)
	assert.True(t, bytes.Equal(frame, first.Frame.Data))
	assert.False(t, first.Frame.Truncated)
	assert.False(t, first.Timestamp.IsZero())

	second, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, second.State)
	assert.Equal(t, "DISCOVERING", second.State.From)
	assert.Equal(t, "CONNECTED", second.State.To)

	third, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, third.Error)
	assert.Equal(t, ChannelCloud, third.Channel)
	assert.Equal(t, "frame checksum mismatch", third.Error.Message)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileLogger_AppendAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.cbor")

	l, err := NewFileLogger(path)
	require.NoError(t, err)
	l.Log(StateCapture("dev-1", ChannelLocal, "A", "B"))
	require.NoError(t, l.Close())

	l2, err := NewFileLogger(path)
	require.NoError(t, err)
	l2.Log(StateCapture("dev-1", ChannelLocal, "B", "C"))
	require.NoError(t, l2.Close())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	count := 0
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestFrameCapture_TruncatesOversized(t *testing.T) {
	big := make([]byte, MaxFrameCapture+100)
	e := FrameCapture("dev-1", ChannelLocal, DirectionIn, big)
	require.NotNil(t, e.Frame)
	assert.Equal(t, len(big), e.Frame.Size)
	assert.Len(t, e.Frame.Data, MaxFrameCapture)
	assert.True(t, e.Frame.Truncated)
}

func TestFileLogger_LogAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.cbor")
	l, err := NewFileLogger(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Must not panic or write.
	l.Log(StateCapture("dev-1", ChannelLocal, "A", "B"))
	require.NoError(t, l.Close())
}
