package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// errBadFrame marks a frame that arrived intact but could not be decoded.
// The session reports it and keeps reading.
var errBadFrame = errors.New("bad frame")

func newEnvelope(typ, channel string, payload any, ts time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newEnvelopeID(ts),
		Channel: channel,
		TS:      ts,
		Payload: raw,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText {
		return v1.Envelope{}, fmt.Errorf("%w: binary frames are not accepted", errBadFrame)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// readFailure maps a terminal read error onto the close frame to send.
func readFailure(err error) (websocket.StatusCode, string) {
	switch {
	case websocket.CloseStatus(err) != -1:
		return websocket.StatusNormalClosure, "peer closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return websocket.StatusNormalClosure, "idle or context done"
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return websocket.StatusAbnormalClosure, "conn closed"
	default:
		return websocket.StatusAbnormalClosure, "read failed"
	}
}
