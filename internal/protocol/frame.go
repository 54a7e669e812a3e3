package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame, newline excluded.
const MaxFrameSize = 10 * 1024 * 1024

// ErrFrameTooLarge is returned by Reader.Next for oversized frames.
var ErrFrameTooLarge = errors.New("frame too large")

// Reader splits a stream into frames.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next non-blank frame with surrounding whitespace
// trimmed. A final frame without a trailing newline is returned before
// io.EOF.
func (fr *Reader) Next() ([]byte, error) {
	for {
		line, err := fr.readLine()
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (fr *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := fr.r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxFrameSize+1 {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrFrameTooLarge, MaxFrameSize)
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}

// WriteFrame marshals v and writes it followed by a newline. Callers
// sharing a writer must serialise calls.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ParseRequest decodes a frame into a Request. When the frame is not a
// valid request but still carries a string id, that id is returned with
// the error so the caller can answer it.
func ParseRequest(frame []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return Request{ID: recoverID(frame)}, Errorf(CodeInvalidRequest, "malformed request: %v", err)
	}
	if req.Method == "" {
		return Request{ID: req.ID}, Errorf(CodeInvalidRequest, "missing method")
	}
	return req, nil
}

// recoverID extracts a string "id" from an object that failed to decode as
// a Request, e.g. because method had the wrong type.
func recoverID(frame []byte) string {
	var probe map[string]json.RawMessage
	if json.Unmarshal(frame, &probe) != nil {
		return ""
	}
	var id string
	if json.Unmarshal(probe["id"], &id) != nil {
		return ""
	}
	return id
}
