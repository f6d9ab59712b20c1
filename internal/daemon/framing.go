package daemon

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
)

// maxFrameSize bounds a single framed message (16 MB). Larger frames
// are a protocol error, not an allocation.
const maxFrameSize = 16 << 20

// Framer reads and writes framed JSON messages on a stream.
type Framer interface {
	// ReadFrame returns the next message payload.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one message payload.
	WriteFrame(payload []byte) error
}

// NewFramer selects the framing mode: 4-byte big-endian length-prefixed
// binary by default, newline-delimited text when legacy is set.
func NewFramer(rw io.ReadWriter, legacy bool) Framer {
	if legacy {
		return &lineFramer{r: bufio.NewReader(rw), w: rw}
	}
	return &binaryFramer{r: rw, w: rw}
}

// binaryFramer is the default framing: a 4-byte big-endian payload
// length followed by the JSON payload.
type binaryFramer struct {
	r io.Reader
	w io.Writer
}

func (f *binaryFramer) ReadFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, deckarderrors.Protocol("empty frame")
	}
	if size > maxFrameSize {
		return nil, deckarderrors.Newf(deckarderrors.KindProtocol,
			"frame size %d exceeds limit %d", size, maxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return payload, nil
}

func (f *binaryFramer) WriteFrame(payload []byte) error {
	if len(payload) > maxFrameSize {
		return deckarderrors.Newf(deckarderrors.KindProtocol,
			"frame size %d exceeds limit %d", len(payload), maxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := f.w.Write(header[:]); err != nil {
		return err
	}
	_, err := f.w.Write(payload)
	return err
}

// lineFramer is the legacy opt-in framing: one JSON document per line.
type lineFramer struct {
	r *bufio.Reader
	w io.Writer
}

func (f *lineFramer) ReadFrame() ([]byte, error) {
	line, err := f.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return line, nil
		}
		return nil, err
	}
	// Trim the delimiter (and a CR for clients that send CRLF).
	line = line[:len(line)-1]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	if len(line) == 0 {
		return nil, deckarderrors.Protocol("empty frame")
	}
	return line, nil
}

func (f *lineFramer) WriteFrame(payload []byte) error {
	if _, err := f.w.Write(payload); err != nil {
		return err
	}
	_, err := f.w.Write([]byte{'\n'})
	return err
}

// WriteMessage marshals and frames one message.
func WriteMessage(f Framer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return f.WriteFrame(data)
}

// ReadRequest reads and decodes one request frame. Malformed JSON is a
// protocol error; the transport error (if any) is returned unwrapped so
// callers can detect EOF.
func ReadRequest(f Framer) (Request, error) {
	payload, err := f.ReadFrame()
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, deckarderrors.Newf(deckarderrors.KindProtocol,
			"malformed request: %v", err)
	}
	return req, nil
}

// ReadResponse reads and decodes one response frame.
func ReadResponse(f Framer) (Response, error) {
	payload, err := f.ReadFrame()
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, deckarderrors.Newf(deckarderrors.KindProtocol,
			"malformed response: %v", err)
	}
	return resp, nil
}
