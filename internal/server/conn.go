package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/logging"
	"github.com/Iron-Ham/claudio-ide/internal/protocol"
	"github.com/Iron-Ham/claudio-ide/internal/router"
	"github.com/Iron-Ham/claudio-ide/internal/session"
)

// Reason says why a connection went away.
type Reason int32

const (
	reasonUnset Reason = iota
	// ReasonClosed means the agent sent a normal close frame.
	ReasonClosed
	// ReasonHeartbeatTimeout means nothing, not even a pong, arrived in time.
	ReasonHeartbeatTimeout
	// ReasonTransportError means a read or write failed.
	ReasonTransportError
	// ReasonServerStop means the server is shutting down.
	ReasonServerStop
	// ReasonKicked means the host closed the connection with Disconnect.
	ReasonKicked
)

func (r Reason) String() string {
	switch r {
	case ReasonClosed:
		return "closed"
	case ReasonHeartbeatTimeout:
		return "heartbeat_timeout"
	case ReasonTransportError:
		return "transport_error"
	case ReasonServerStop:
		return "server_stop"
	case ReasonKicked:
		return "kicked"
	default:
		return "unknown"
	}
}

// Abnormal reports whether the connection was lost rather than closed on
// purpose by either side.
func (r Reason) Abnormal() bool {
	return r == ReasonHeartbeatTimeout || r == ReasonTransportError
}

type conn struct {
	srv    *Server
	ws     *websocket.Conn
	id     string
	remote string
	logger *logging.Logger

	sendCh   chan []byte
	done     chan struct{}
	doneOnce sync.Once
	// attached is closed once OnAttach has returned.
	attached chan struct{}
	reason   atomic.Int32

	mu   sync.Mutex
	info session.Connection
}

func (c *conn) snapshot() session.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *conn) touch() {
	c.mu.Lock()
	c.info.LastSeenAt = c.srv.now()
	c.mu.Unlock()
	if c.srv.hooks.OnActivity != nil {
		c.srv.hooks.OnActivity(c.id)
	}
}

// setReason records why the connection is closing. The first caller wins.
func (c *conn) setReason(r Reason) {
	c.reason.CompareAndSwap(int32(reasonUnset), int32(r))
}

func (c *conn) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *conn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errors.NewNotFoundError("connection", c.id).WithCause(errors.ErrConnectionNotFound)
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		c.logger.Warn("send buffer full, frame rejected", "buffer", cap(c.sendCh))
		return errors.Wrapf(ErrSendBufferFull, "connection %s", c.id)
	}
}

// shutdown closes the connection from the host side.
func (c *conn) shutdown(r Reason, code int, text string) {
	c.setReason(r)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second))
	c.closeDone()
	_ = c.ws.Close()
}

func (c *conn) readDeadline() time.Time {
	return time.Now().Add(c.srv.cfg.HeartbeatInterval + c.srv.cfg.HeartbeatTimeout)
}

// readPump decodes inbound frames in arrival order. It owns the connection's
// removal from the server.
func (c *conn) readPump() {
	var readErr error
	defer func() {
		c.closeDone()
		_ = c.ws.Close()
		c.srv.detach(c, c.finalReason(readErr))
	}()

	c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(c.readDeadline())
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(c.readDeadline())
		c.touch()
		return nil
	})
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(c.readDeadline())
		c.touch()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		_ = c.ws.SetReadDeadline(c.readDeadline())
		c.touch()

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		c.handleFrame(data)
	}
}

func (c *conn) handleFrame(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debug("rejected inbound frame", "error", err.Error(), "bytes", len(data))
		if reply := protocol.ErrorReply(msg, err); reply != nil {
			_ = c.enqueue(reply)
		}
		return
	}
	if c.srv.inbox == nil {
		return
	}
	in := router.Inbound{
		SessionID:    c.srv.cfg.SessionID,
		ConnectionID: c.id,
		Message:      msg,
		ReceivedAt:   c.srv.now(),
	}
	if err := c.srv.inbox.Deliver(in); err != nil {
		c.logger.Warn("inbound message dropped", "method", msg.Method, "error", err.Error())
	}
}

func (c *conn) finalReason(readErr error) Reason {
	if r := Reason(c.reason.Load()); r != reasonUnset {
		return r
	}
	var netErr net.Error
	switch {
	case websocket.IsCloseError(readErr,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		return ReasonClosed
	case errors.As(readErr, &netErr) && netErr.Timeout():
		return ReasonHeartbeatTimeout
	default:
		return ReasonTransportError
	}
}

// writePump is the only goroutine that writes data frames. It also sends
// heartbeat pings and, on server stop, flushes the queue before closing.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.srv.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.closeDone()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				c.setReason(ReasonTransportError)
				c.logger.Warn("write failed", "error", err.Error())
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.setReason(ReasonTransportError)
				c.logger.Debug("ping failed", "error", err.Error())
				return
			}

		case <-c.srv.stopCh:
			c.setReason(ReasonServerStop)
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session stopped"),
				time.Now().Add(time.Second))
			return

		case <-c.done:
			return
		}
	}
}

// flush writes whatever is still queued. Send is refused once the server is
// stopping, so the queue only shrinks here.
func (c *conn) flush() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				c.logger.Debug("flush aborted", "error", err.Error(), "pending", len(c.sendCh))
				return
			}
		case <-c.done:
			return
		default:
			return
		}
	}
}

func (c *conn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
