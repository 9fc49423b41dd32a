package syncsvc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/astromechza/landscape-sync/pkg/result"
)

type FrameType string

const (
	// FrameEvent carries a locally applied command from a client.
	FrameEvent FrameType = "event"
	// FrameAck answers an event frame with its server timestamp.
	FrameAck FrameType = "ack"
	// FrameBroadcast carries a timestamped command from another client.
	FrameBroadcast FrameType = "broadcast"
	// FrameError answers an event frame the authority rejected.
	FrameError FrameType = "error"
)

// Frame is a websocket message between a client and the authority. Seq
// correlates an event with its ack or error.
type Frame struct {
	Type      FrameType   `cbor:"t"`
	Seq       uint64      `cbor:"s,omitempty"`
	Event     []byte      `cbor:"e,omitempty"`
	Timestamp uint64      `cbor:"ts,omitempty"`
	Error     *FrameFault `cbor:"err,omitempty"`
}

type FrameFault struct {
	Code    string `cbor:"code"`
	Message string `cbor:"msg"`
}

func faultOf(err error) *FrameFault {
	code := result.CodeOf(err)
	if code == "" {
		code = result.CodeValidation
	}
	return &FrameFault{Code: code, Message: err.Error()}
}

func (f *FrameFault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

type timeResponse struct {
	Timestamp uint64 `cbor:"ts"`
}

type eventsResponse struct {
	Events [][]byte `cbor:"events"`
	More   bool     `cbor:"more"`
}

const cborContentType = "application/cbor"

func writeFrame(conn *websocket.Conn, f Frame) error {
	raw, err := cbor.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readFrame returns the next binary frame. Other message types are skipped.
func readFrame(conn *websocket.Conn) (Frame, error) {
	mt, p, err := conn.ReadMessage()
	for err == nil && mt != websocket.BinaryMessage {
		mt, p, err = conn.ReadMessage()
	}
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read message: %w", err)
	}
	var f Frame
	if err := cbor.Unmarshal(p, &f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	return f, nil
}
