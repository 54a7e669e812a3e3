package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/pulsar/internal/session"
)

func TestReaderSkipsBlankLines(t *testing.T) {
	r := NewReader(strings.NewReader("\n  \n{\"a\":1}\r\n\n{\"b\":2}"))

	frame, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(frame))

	frame, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(frame))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderLongFrame(t *testing.T) {
	long := `{"x":"` + strings.Repeat("a", 200*1024) + `"}`
	r := NewReader(strings.NewReader(long + "\n"))
	frame, err := r.Next()
	require.NoError(t, err)
	assert.Len(t, frame, len(long))
}

func TestReaderRejectsOversizedFrame(t *testing.T) {
	r := NewReader(io.MultiReader(
		bytes.NewReader(bytes.Repeat([]byte("a"), MaxFrameSize+10)),
		strings.NewReader("\n"),
	))
	_, err := r.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Response{ID: "1", Result: json.RawMessage(`{"success":true}`)}))
	assert.Equal(t, "{\"id\":\"1\",\"result\":{\"success\":true}}\n", buf.String())
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"id":"7","method":"get_status","params":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "7", req.ID)
	assert.Equal(t, MethodGetStatus, req.Method)

	req, err = ParseRequest([]byte(`{"id":"8","method":42}`))
	require.Error(t, err)
	assert.Equal(t, "8", req.ID)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeInvalidRequest, perr.Code)

	req, err = ParseRequest([]byte(`{"id":"9"}`))
	require.Error(t, err)
	assert.Equal(t, "9", req.ID)

	req, err = ParseRequest([]byte(`not json`))
	require.Error(t, err)
	assert.Empty(t, req.ID)

	req, err = ParseRequest([]byte(`{"id":3,"method":"get_status"}`))
	require.Error(t, err)
	assert.Empty(t, req.ID)
}

func TestDecodeUnknownMethod(t *testing.T) {
	_, err := Decode(Request{ID: "1", Method: "reticulate_splines"})
	require.NotNil(t, err)
	assert.Equal(t, CodeMethodNotFound, err.Code)
}

func TestDecodeCreateSession(t *testing.T) {
	call, err := Decode(Request{Method: MethodCreateSession, Params: json.RawMessage(`{"name":"dev","type":"Local","cols":120}`)})
	require.Nil(t, err)
	c := call.(CreateSession)
	assert.Equal(t, "dev", c.Name)
	assert.Equal(t, session.Local, c.Type)
	assert.Equal(t, uint16(120), c.Cols)
	assert.Zero(t, c.Rows)

	call, err = Decode(Request{Method: MethodCreateSession, Params: json.RawMessage(`{"name":"dev"}`)})
	require.Nil(t, err)
	assert.Equal(t, session.Local, call.(CreateSession).Type)

	call, err = Decode(Request{Method: MethodCreateSession, Params: json.RawMessage(`{"name":"box","type":{"Ssh":{"host":"h","port":22}}}`)})
	require.Nil(t, err)
	assert.Equal(t, session.KindSSH, call.(CreateSession).Type.Kind)

	_, err = Decode(Request{Method: MethodCreateSession, Params: json.RawMessage(`{"name":"x","type":"Telnet"}`)})
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidParams, err.Code)
}

func TestDecodeSendInput(t *testing.T) {
	raw := []byte{0, 1, 2, 0xff, '\n', 0x1b, '['}
	call, err := Decode(Request{Method: MethodSendInput, Params: mustJSON(t, map[string]string{
		"session_id": "s", "data": EncodeData(raw),
	})})
	require.Nil(t, err)
	assert.Equal(t, raw, call.(SendInput).Data)

	_, err = Decode(Request{Method: MethodSendInput, Params: json.RawMessage(`{"session_id":"s","data":"!!!"}`)})
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidParams, err.Code)

	_, err = Decode(Request{Method: MethodSendInput, Params: json.RawMessage(`{"session_id":"s"}`)})
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidParams, err.Code)

	_, err = Decode(Request{Method: MethodSendInput, Params: json.RawMessage(`{"data":""}`)})
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidParams, err.Code)
}

func TestDecodeReceiveOutput(t *testing.T) {
	call, err := Decode(Request{Method: MethodReceiveOutput, Params: json.RawMessage(`{"session_id":"s","timeout_ms":250}`)})
	require.Nil(t, err)
	assert.Equal(t, 250*time.Millisecond, call.(ReceiveOutput).Timeout)

	call, err = Decode(Request{Method: MethodReceiveOutput, Params: json.RawMessage(`{"session_id":"s"}`)})
	require.Nil(t, err)
	assert.Zero(t, call.(ReceiveOutput).Timeout)

	_, err = Decode(Request{Method: MethodReceiveOutput, Params: json.RawMessage(`{"session_id":"s","timeout_ms":-1}`)})
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidParams, err.Code)

	call, err = Decode(Request{Method: MethodReceiveOutput, Params: json.RawMessage(`{"session_id":"s","timeout_ms":9000000000000000}`)})
	require.Nil(t, err)
	assert.Equal(t, MaxReceiveTimeout, call.(ReceiveOutput).Timeout)
}

func TestDecodeResize(t *testing.T) {
	_, err := Decode(Request{Method: MethodResizeTerminal, Params: json.RawMessage(`{"session_id":"s","cols":0,"rows":10}`)})
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidParams, err.Code)

	_, err = Decode(Request{Method: MethodResizeTerminal, Params: json.RawMessage(`{"session_id":"s","cols":"wide"}`)})
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidParams, err.Code)
}

func TestEncodeDecodeCalls(t *testing.T) {
	calls := []Call{
		GetStatus{},
		ListSessions{},
		CreateSession{Name: "n", Type: session.Local, Cols: 100, Rows: 30},
		AttachSession{SessionID: "s", ClientID: "c"},
		DetachSession{SessionID: "s"},
		TerminateSession{SessionID: "s"},
		ResizeTerminal{SessionID: "s", Cols: 10, Rows: 5},
		SendInput{SessionID: "s", Data: []byte("ls -la\n")},
		ReceiveOutput{SessionID: "s", Timeout: time.Second},
		SessionHistory{Limit: 5},
	}
	for _, c := range calls {
		t.Run(c.Method(), func(t *testing.T) {
			req, err := Encode("id", c)
			require.NoError(t, err)
			got, perr := Decode(req)
			require.Nil(t, perr)
			assert.Equal(t, c, got)
		})
	}
}

func TestDataRoundTrip(t *testing.T) {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	got, err := DecodeData(EncodeData(all))
	require.NoError(t, err)
	assert.Equal(t, all, got)

	assert.Equal(t, "", EncodeData(nil))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
