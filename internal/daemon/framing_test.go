package daemon

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
)

func TestBinaryFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, false)

	payload := []byte(`{"id":"1","method":"ping"}`)
	require.NoError(t, f.WriteFrame(payload))

	// Header carries the payload length big-endian.
	header := buf.Bytes()[:4]
	assert.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(header))

	got, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBinaryFramerRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameSize+1)
	buf.Write(header[:])

	f := NewFramer(&buf, false)
	_, err := f.ReadFrame()
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindProtocol, deckarderrors.KindOf(err))
}

func TestBinaryFramerRejectsEmptyFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	f := NewFramer(&buf, false)
	_, err := f.ReadFrame()
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindProtocol, deckarderrors.KindOf(err))
}

func TestBinaryFramerEOFOnEmptyStream(t *testing.T) {
	f := NewFramer(&bytes.Buffer{}, false)
	_, err := f.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestBinaryFramerTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString("short")

	f := NewFramer(&buf, false)
	_, err := f.ReadFrame()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestLineFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, true)

	require.NoError(t, f.WriteFrame([]byte(`{"id":"1"}`)))
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))

	got, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"1"}`), got)
}

func TestLineFramerToleratesCRLF(t *testing.T) {
	buf := bytes.NewBufferString("{\"id\":\"1\"}\r\n")
	f := NewFramer(buf, true)

	got, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"1"}`), got)
}

func TestLineFramerReturnsPartialLineAtEOF(t *testing.T) {
	buf := bytes.NewBufferString(`{"id":"1"}`)
	f := NewFramer(buf, true)

	got, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"1"}`), got)
}

func TestReadRequestMalformedJSONIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, false)
	require.NoError(t, f.WriteFrame([]byte("not json")))

	_, err := ReadRequest(f)
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindProtocol, deckarderrors.KindOf(err))
}

func TestWriteMessageFramesJSON(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, false)

	require.NoError(t, WriteMessage(f, Request{ID: "7", Method: MethodPing}))
	req, err := ReadRequest(f)
	require.NoError(t, err)
	assert.Equal(t, "7", req.ID)
	assert.Equal(t, MethodPing, req.Method)
}
