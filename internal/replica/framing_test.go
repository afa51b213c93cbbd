package replica

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, opAppend, []byte("hello redo bytes")))

	op, payload, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, opAppend, op)
	assert.Equal(t, []byte("hello redo bytes"), payload)
}

func TestReadFrameDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, opConfirm, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	corrupt := buf.Bytes()
	corrupt[frameHeaderSize] ^= 0xff

	_, _, err := readFrame(bytes.NewReader(corrupt))
	assert.Error(t, err)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, opAppend, make([]byte, maxPayload+1))
	assert.Error(t, err)
}

func TestEmptyPayloadRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, opHello, nil))

	op, payload, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, opHello, op)
	assert.Empty(t, payload)
}
