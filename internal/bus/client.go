package bus

import (
	"bufio"
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client owns one connection to the bus: a listener goroutine that parses
// frames and hands them to a dispatcher channel (so decoding never blocks
// the socket read loop, per spec.md §5), and outbound senders for
// pub/set/post.
type Client struct {
	ProcessName string
	Username    string

	conn net.Conn
	w    *bufio.Writer
	wmu  sync.Mutex

	Inbound chan Message
}

func Dial(ctx context.Context, addr string, dialTimeout time.Duration, processName string) (*Client, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		ProcessName: processName,
		conn:        conn,
		w:           bufio.NewWriter(conn),
		Inbound:     make(chan Message, 256),
	}
	return c, nil
}

// Listen is the bus-listener thread: it reads frames and forwards them to
// Inbound without decoding their bodies any further.
func (c *Client) Listen(ctx context.Context) {
	r := bufio.NewReader(c.conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := ReadMessage(r)
		if err != nil {
			log.Printf("bus: read error: %v", err)
			return
		}
		select {
		case c.Inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) send(method, uri, replyTo string, body []byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	err := WriteMessage(c.w, Message{
		Method:      method,
		URI:         uri,
		ReplyTo:     replyTo,
		ProcessName: c.ProcessName,
		Username:    c.Username,
		Body:        body,
	})
	if err != nil {
		log.Printf("bus: write %s %s: %v", method, uri, err)
	}
}

// Pub publishes a periodic or one-shot body at uri.
func (c *Client) Pub(uri string, body map[string]any) {
	c.send("pub", uri, "", marshalBody(body))
}

// Reply sends a set/get response to a previously-received replyto address.
func (c *Client) Reply(replyTo string, body map[string]any) {
	if replyTo == "" {
		return
	}
	c.send("set", replyTo, "", marshalBody(body))
}

// Post emits a process-level event, e.g. a heartbeat disconnect/reconnect.
func (c *Client) Post(uri string, body map[string]any) {
	c.send("post", uri, "", marshalBody(body))
}

// NewReplyTo generates a random correlation id usable as a replyto address.
// The router does not call it: its one-shot items reply to the inbound
// message's own replyto.
func NewReplyTo() string {
	return uuid.NewString()
}
