package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/viaiv/console/internal/logging"
)

const (
	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
)

// Callbacks receive channel lifecycle and protocol events. OnClose fires
// only on transport-level closure or error — never after an explicit Close,
// which detaches all callbacks before touching the transport so a deferred
// event cannot land on torn-down state.
type Callbacks struct {
	OnEvent func(Event)
	OnOpen  func()
	OnClose func(err error)
}

// Channel is one live duplex connection scoped to a single conversation.
// One goroutine runs the recv loop, another the heartbeat; Send and
// SendCancel may be called from any goroutine (writes are serialised).
type Channel struct {
	conn      *websocket.Conn
	heartbeat time.Duration

	mu       sync.Mutex
	cbs      Callbacks
	detached bool

	sendMu sync.Mutex
	done   chan struct{}
}

// Dial opens the streaming channel for conversationID. The access credential
// travels as a connection parameter because the websocket handshake happens
// outside the request pipeline's header interception.
func Dial(ctx context.Context, streamBase, conversationID, accessToken string, heartbeat time.Duration, cbs Callbacks) (*Channel, error) {
	q := url.Values{}
	q.Set("access_token", accessToken)
	endpoint := fmt.Sprintf("%s/conversations/%s/stream?%s",
		strings.TrimRight(streamBase, "/"), conversationID, q.Encode())

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := &Channel{
		conn:      conn,
		heartbeat: heartbeat,
		cbs:       cbs,
		done:      make(chan struct{}),
	}

	if cbs.OnOpen != nil {
		cbs.OnOpen()
	}
	go c.recvLoop()
	if heartbeat > 0 {
		go c.heartbeatLoop()
	}
	return c, nil
}

// Send pushes one user message over the channel.
func (c *Channel) Send(content string) error {
	return c.writeFrame(outboundFrame{Type: frameMessage, Content: content})
}

// SendCancel asks the server to stop the active generation. Advisory only:
// the authoritative end state is still a received stream_end or error.
func (c *Channel) SendCancel() error {
	return c.writeFrame(outboundFrame{Type: frameCancel})
}

// Close detaches all callbacks, then closes the transport. Idempotent.
// After Close returns, no callback fires for this channel again.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	c.detached = true
	c.cbs = Callbacks{}
	c.mu.Unlock()

	c.conn.Close(websocket.StatusNormalClosure, "client closed")
}

// writeFrame serialises writes so concurrent goroutines don't interleave
// websocket frames.
func (c *Channel) writeFrame(f outboundFrame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, f)
}

// recvLoop reads frames until the transport closes. Malformed frames are
// dropped; the loop never dies on a decode failure.
func (c *Channel) recvLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			close(c.done)
			c.emitClose(err)
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			logging.Debug("Dropping malformed stream frame: %v", err)
			continue
		}
		c.emit(ev)
	}
}

// heartbeatLoop sends a ping on a fixed interval while the channel is open.
// The pong is surfaced like any other event; liveness detection stays with
// the transport's own close/error signalling.
func (c *Channel) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeFrame(outboundFrame{Type: framePing}); err != nil {
				// The recv loop observes the transport failure; nothing
				// to do here beyond noting it.
				logging.Debug("Heartbeat write failed: %v", err)
				return
			}
		}
	}
}

func (c *Channel) emit(ev Event) {
	c.mu.Lock()
	cb := c.cbs.OnEvent
	detached := c.detached
	c.mu.Unlock()
	if detached || cb == nil {
		return
	}
	cb(ev)
}

func (c *Channel) emitClose(err error) {
	c.mu.Lock()
	cb := c.cbs.OnClose
	detached := c.detached
	c.mu.Unlock()
	if detached || cb == nil {
		return
	}
	cb(err)
}
