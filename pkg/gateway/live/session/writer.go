package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriter is the write half of a *websocket.Conn.
type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	// speechGen tags speech_audio frames with the generation they were
	// synthesized in; zero for everything else.
	speechGen int64
	payload   []byte
}

// outboundWriter is the only goroutine writing to the socket. Errors and
// session-ending frames travel on priority and always go out ahead of the
// coaching stream on normal. Speech from a superseded generation is dropped
// at the last moment so a recalibrate cuts off queued audio.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan outboundFrame
	normal   <-chan outboundFrame
	isStale  func(gen int64) bool
}

const (
	shutdownFlushFrames = 8
	shutdownFlushWindow = 100 * time.Millisecond
)

// Run writes until ctx ends, both lanes close, or a write fails.
func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	pingEvery := w.cfg.PingInterval
	if pingEvery <= 0 {
		pingEvery = 20 * time.Second
	}
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	for w.priority != nil || w.normal != nil {
		select {
		case <-done:
			return w.shutdown(writeTimeout)
		default:
		}
		if err := w.drainPriority(writeTimeout); err != nil {
			return err
		}
		if w.priority == nil && w.normal == nil {
			break
		}

		select {
		case <-done:
			return w.shutdown(writeTimeout)
		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.write(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			// A priority frame queued while this one waited still wins.
			if err := w.drainPriority(writeTimeout); err != nil {
				return err
			}
			if err := w.write(frame, writeTimeout); err != nil {
				return err
			}
		}
	}
	return nil
}

// drainPriority writes every priority frame already queued.
func (w *outboundWriter) drainPriority(writeTimeout time.Duration) error {
	for w.priority != nil {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				return nil
			}
			if err := w.write(frame, writeTimeout); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// shutdown gives a final error frame a short window to reach the client,
// then closes the socket normally.
func (w *outboundWriter) shutdown(writeTimeout time.Duration) error {
	deadline := time.Now().Add(min(shutdownFlushWindow, writeTimeout))
	for range shutdownFlushFrames {
		if w.priority == nil || !time.Now().Before(deadline) {
			break
		}
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			_ = w.write(frame, writeTimeout)
			continue
		default:
		}
		break
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeTimeout))
	_ = w.ws.Close()
	return nil
}

func (w *outboundWriter) write(frame outboundFrame, writeTimeout time.Duration) error {
	if len(frame.payload) == 0 {
		return nil
	}
	if frame.speechGen != 0 && w.isStale != nil && w.isStale(frame.speechGen) {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.payload)
}
