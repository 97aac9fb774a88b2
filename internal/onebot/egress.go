package onebot

import (
	"context"
	"errors"
	"time"

	"nhooyr.io/websocket/wsjson"
)

var ErrNotConnected = errors.New("onebot: not connected")

// Sender delivers outbound group messages.
type Sender interface {
	SendGroupMessage(ctx context.Context, groupID ID, message string) error
}

const defaultWriteTimeout = 5 * time.Second

// SendGroupMessage writes a send_group_msg frame on the current connection.
// nhooyr connections allow concurrent writers, so handlers call this directly.
func (s *Session) SendGroupMessage(ctx context.Context, groupID ID, message string) error {
	gid, err := groupID.Int64()
	if err != nil {
		return err
	}
	conn := s.current()
	if conn == nil {
		return ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultWriteTimeout)
		defer cancel()
	}
	return wsjson.Write(ctx, conn, SendGroupMsg(gid, message))
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, groupID ID, message string) error

func (f SenderFunc) SendGroupMessage(ctx context.Context, groupID ID, message string) error {
	return f(ctx, groupID, message)
}
