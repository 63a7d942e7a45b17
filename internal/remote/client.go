package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/coder/websocket"
	"github.com/cryguy/vmhost/internal/channel"
	"github.com/cryguy/vmhost/internal/core"
	"github.com/google/uuid"
)

// ErrClosed is returned for requests outstanding when the connection ends.
var ErrClosed = errors.New("remote connection closed")

// Client sends channel requests to a Server. It implements
// channel.Responder; route a destination to it to answer that
// destination's channels remotely.
type Client struct {
	conn    *websocket.Conn
	encoder Encoder

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[uuid.UUID]chan *Frame
	err     error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ channel.Responder = (*Client)(nil)

// Dial connects to a Server at url (ws:// or wss://).
func Dial(ctx context.Context, url string, cfg core.RemoteConfig) (*Client, error) {
	codec, err := ParseCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	conn.SetReadLimit(MaxMessageBytes)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		encoder: Encoder{Codec: codec, Threshold: cfg.CompressThreshold},
		pending: make(map[uuid.UUID]chan *Frame),
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		typ, msg, err := c.conn.Read(c.ctx)
		if err != nil {
			c.fail(fmt.Errorf("%w: %w", ErrClosed, err))
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		f, err := Decode(msg)
		if err != nil {
			log.Printf("remote: dropping frame: %v", err)
			continue
		}
		if f.Kind != KindResponse {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

// fail ends every outstanding request with err.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		ch <- &Frame{Kind: KindResponse, ID: id, Error: err.Error()}
		delete(c.pending, id)
	}
}

// Do sends req and waits for its response.
func (c *Client) Do(ctx context.Context, req *Frame) (*Frame, error) {
	req.Kind = KindRequest
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	data, err := c.encoder.Encode(req)
	if err != nil {
		return nil, err
	}

	wait := make(chan *Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.ID] = wait
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}

	c.wmu.Lock()
	err = c.conn.Write(ctx, websocket.MessageBinary, data)
	c.wmu.Unlock()
	if err != nil {
		forget()
		return nil, fmt.Errorf("sending %s: %w", req.ID, err)
	}

	select {
	case resp := <-wait:
		if resp.Error != "" {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// Respond forwards ch to the server and answers it with the response.
// Transport failures come back as errors, which the router turns into
// error responses.
func (c *Client) Respond(ctx context.Context, ch *channel.Channel) error {
	resp, err := c.Do(ctx, &Frame{
		ID:      ch.ID,
		Dest:    ch.Dest,
		Attrs:   ch.Attrs,
		Payload: ch.Request,
		Objects: ch.Objects,
	})
	if err != nil {
		return fmt.Errorf("remote %q: %w", ch.Dest, err)
	}
	return ch.Reply(resp.Payload, resp.Objects)
}

// Close shuts the connection and fails outstanding requests.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	return err
}
