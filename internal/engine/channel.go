package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"ragline/internal/async"
	"ragline/internal/logging"
)

// ChannelState tracks the lifecycle of one push connection.
type ChannelState int32

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosed
	ChannelFaulted
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	case ChannelFaulted:
		return "faulted"
	}
	return "unknown"
}

// EventSink receives everything the observers produce. The reconciler
// is the only production implementation; tests inject recorders.
type EventSink interface {
	HandleEvent(ev Event)
	HandleBroadcast(content string)
}

// StatusChannel is one live push connection to the backend. It decodes
// inbound frames and hands task updates to the sink; it holds no task
// state of its own. A faulted channel does not reconnect itself:
// reconnection policy belongs to the caller, which always builds a new
// StatusChannel rather than reviving this one.
type StatusChannel struct {
	conn    *websocket.Conn
	sink    EventSink
	logger  logging.Logger
	metrics *Metrics

	state     atomic.Int32
	faults    chan error
	done      chan struct{}
	closeOnce sync.Once
}

// DialChannel opens a push connection with the supplied credential. The
// credential is presented once at connect time and never renegotiated
// for the lifetime of the connection.
func DialChannel(ctx context.Context, url, credential string, sink EventSink, logger logging.Logger, metrics *Metrics) (*StatusChannel, error) {
	logger = logging.OrNop(logger)

	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial push channel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial push channel: %w", err)
	}

	c := &StatusChannel{
		conn:    conn,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		faults:  make(chan error, 1),
		done:    make(chan struct{}),
	}
	c.state.Store(int32(ChannelOpen))

	async.Go(logger, "status-channel-read", c.readLoop)
	return c, nil
}

// State returns the current connection state.
func (c *StatusChannel) State() ChannelState {
	return ChannelState(c.state.Load())
}

// Faults delivers at most one channel-level fault signal. Task-level
// events never appear here.
func (c *StatusChannel) Faults() <-chan error {
	return c.faults
}

// Done is closed once the read loop has exited for any reason.
func (c *StatusChannel) Done() <-chan struct{} {
	return c.done
}

// Close releases the connection. Safe to call multiple times and after
// a fault.
func (c *StatusChannel) Close() {
	c.closeOnce.Do(func() {
		c.state.CompareAndSwap(int32(ChannelOpen), int32(ChannelClosed))
		c.state.CompareAndSwap(int32(ChannelConnecting), int32(ChannelClosed))
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		_ = c.conn.Close()
	})
}

func (c *StatusChannel) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.State() == ChannelClosed {
				return
			}
			c.state.Store(int32(ChannelFaulted))
			if c.metrics != nil {
				c.metrics.ChannelFaults.Inc()
			}
			c.logger.Warn("push channel faulted: %v", err)
			select {
			case c.faults <- err:
			default:
			}
			_ = c.conn.Close()
			return
		}
		c.handleFrame(data)
	}
}

func (c *StatusChannel) handleFrame(data []byte) {
	ev, broadcast, kind := ClassifyFrame(data)
	switch kind {
	case FrameTaskUpdate:
		c.sink.HandleEvent(ev)
	case FrameBroadcast:
		c.sink.HandleBroadcast(broadcast)
	case FrameMalformed:
		if c.metrics != nil {
			c.metrics.MalformedFrames.Inc()
		}
		c.logger.Warn("dropping malformed push frame: %.120s", string(data))
	}
}
