package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrConnClosed is returned by Send after the link to the worker is gone.
var ErrConnClosed = errors.New("worker connection closed")

// Conn is a tab's link to the upload worker. Incoming messages are delivered on
// Messages until the link closes.
type Conn struct {
	id           string
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	msgs      chan domain.Message
	done      chan struct{}
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

var _ ports.WorkerConn = (*Conn)(nil)

// Dial connects to the worker's websocket endpoint. token, when set, is sent as a bearer token.
func Dial(ctx context.Context, url, token string, logger *zap.SugaredLogger) (*Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to upload worker at %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to upload worker at %s: %w", url, err)
	}

	c := &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: 10 * time.Second,
		msgs:         make(chan domain.Message, sendBuffer),
		done:         make(chan struct{}),
		logger:       logger,
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Messages() <-chan domain.Message { return c.msgs }

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) readLoop() {
	defer close(c.msgs)
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warnw("upload worker connection lost", "conn_id", c.id, "error", err)
				}
			}
			return
		}

		msg, err := domain.DecodeMessage(data)
		if err != nil {
			c.logger.Debugw("ignoring message from upload worker", "conn_id", c.id, "error", err)
			continue
		}

		select {
		case c.msgs <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) Send(ctx context.Context, msg domain.Message) error {
	data, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s to upload worker: %w", msg.Kind(), err)
	}
	return nil
}

// Close ends the link. The worker itself keeps running.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
