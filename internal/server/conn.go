package server

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/palebluedot/testrig/internal/protocol"
	"github.com/palebluedot/testrig/internal/runner"
)

// conn manages one dashboard connection: it parses inbound requests, queues
// them for serialized execution against the connection's browser session,
// and emits exactly one correlated result per request.
type conn struct {
	id   string
	ws   *websocket.Conn
	sess BrowserSession
	exec Executor
	log  *zap.Logger

	// Requests sharing the default page must never interleave; a single
	// dispatch goroutine drains this queue.
	queue chan *protocol.TestRequest

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(id string)
}

func newConn(id string, ws *websocket.Conn, sess BrowserSession, exec Executor, queueSize int, log *zap.Logger, onClose func(string)) *conn {
	return &conn{
		id:      id,
		ws:      ws,
		sess:    sess,
		exec:    exec,
		log:     log,
		queue:   make(chan *protocol.TestRequest, queueSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// serve runs the connection to completion: greeting, then the read loop,
// with a dispatch goroutine draining the queue. Returns when the peer
// disconnects.
func (c *conn) serve() {
	defer c.close()

	if err := c.writeJSON(protocol.DefaultGreeting()); err != nil {
		c.log.Warn("sending greeting", zap.Error(err))
		return
	}

	go c.dispatchLoop()

	for {
		// Text, binary and fragmented frames all arrive as bytes.
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read loop ended", zap.Error(err))
			}
			return
		}

		req, err := protocol.ParseRequest(data)
		if err != nil {
			// Malformed payloads never terminate the connection.
			c.log.Warn("malformed request", zap.Error(err))
			c.writeResult(protocol.NewResult("", protocol.StatusError, "malformed request: "+err.Error()))
			continue
		}

		select {
		case c.queue <- req:
		default:
			c.writeResult(protocol.NewResult(req.ID, protocol.StatusError, "server busy: request queue full"))
		}
	}
}

// dispatchLoop executes queued requests one at a time. Serialization is the
// concurrency guarantee for the shared default page.
func (c *conn) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case req := <-c.queue:
			c.writeResult(c.execute(req))
		}
	}
}

// execute runs one request and maps its outcome to a wire result.
func (c *conn) execute(req *protocol.TestRequest) *protocol.TestResult {
	c.log.Info("running test", zap.String("test_id", req.ID), zap.String("title", req.Title))

	// Deliberately not bound to the connection lifetime: on close the
	// browser goes away and in-flight work fails naturally instead of
	// being force-cancelled.
	ctx := context.Background()

	page, err := c.sess.Page(ctx)
	if err != nil {
		return protocol.NewResult(req.ID, protocol.StatusError, "browser session: "+err.Error())
	}

	err = c.exec.Run(ctx, req, page)
	switch {
	case err == nil:
		return protocol.NewResult(req.ID, protocol.StatusPassed, "")
	case isFailure(err):
		return protocol.NewResult(req.ID, protocol.StatusFailed, err.Error())
	default:
		return protocol.NewResult(req.ID, protocol.StatusError, err.Error())
	}
}

// isFailure reports whether err is a test failure (entry point missing,
// assertion failed, script threw) as opposed to a server-side error.
func isFailure(err error) bool {
	var loadErr *runner.LoadError
	var execErr *runner.ExecError
	return errors.As(err, &execErr) || errors.As(err, &loadErr)
}

func (c *conn) writeResult(res *protocol.TestResult) {
	if err := c.writeJSON(res); err != nil {
		c.log.Warn("writing result", zap.String("test_id", res.TestID), zap.Error(err))
	}
}

func (c *conn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// close releases the session (closing the browser and all its pages),
// stops dispatch and removes the connection from the server table. Safe to
// call multiple times.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.sess.Close(); err != nil {
			c.log.Warn("closing session", zap.Error(err))
		}
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	})
}
