package stshare

// FramedWSConn is the client's end of one tunneled connection: a net.Conn
// whose bytes travel as the encrypted chunk stream over a single websocket.
// The target address header is sent at construction, so the server starts
// its dial immediately and targets that speak first still work.

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// FramedWSConn adapts one websocket into a net.Conn carrying the encrypted
// tunnel stream for a single target
type FramedWSConn struct {
	Logger
	wsConn  *websocket.Conn
	ingress *InboundFramer
	egress  *OutboundFramer
	target  *TargetAddr

	// queue holds decoded payloads not yet consumed by Read; leftover is
	// the partially consumed head payload
	queue    [][]byte
	leftover []byte
}

// NewFramedWSConn wraps an open websocket into the client end of a tunnel
// to the given target. The address header (preceded by the client salt) is
// sent before returning.
func NewFramedWSConn(
	logger Logger,
	wsConn *websocket.Conn,
	method *CipherMethod,
	masterKey []byte,
	target *TargetAddr,
) (*FramedWSConn, error) {
	header, err := EncodeAddressHeader(target)
	if err != nil {
		return nil, err
	}
	egress, err := NewOutboundFramer(method, masterKey)
	if err != nil {
		return nil, err
	}
	c := &FramedWSConn{
		Logger:  logger.Fork("tunnel %s", target),
		wsConn:  wsConn,
		ingress: NewInboundFramer(method, masterKey),
		egress:  egress,
		target:  target,
	}
	if err := wsConn.WriteMessage(websocket.BinaryMessage, egress.Wrap(header)); err != nil {
		return nil, c.DLogErrorf("header send failed: %s", err)
	}
	return c, nil
}

// Read returns decrypted tunnel bytes from the server
func (c *FramedWSConn) Read(p []byte) (int, error) {
	for {
		if len(c.leftover) > 0 {
			n := copy(p, c.leftover)
			c.leftover = c.leftover[n:]
			return n, nil
		}
		if len(c.queue) > 0 {
			c.leftover = c.queue[0]
			c.queue = c.queue[1:]
			continue
		}
		_, data, err := c.wsConn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		payloads, err := c.ingress.Feed(data)
		if err != nil {
			return 0, c.WLogErrorf("bad frame from server: %s", err)
		}
		c.queue = append(c.queue, payloads...)
	}
}

// Write encrypts and sends tunnel bytes to the server
func (c *FramedWSConn) Write(p []byte) (int, error) {
	if err := c.wsConn.WriteMessage(websocket.BinaryMessage, c.egress.Wrap(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite signals end-of-stream to the server with a websocket close
// frame; responses already in flight can still be read
func (c *FramedWSConn) CloseWrite() error {
	return c.wsConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// Close tears down the websocket
func (c *FramedWSConn) Close() error {
	return c.wsConn.Close()
}

// LocalAddr returns the local address of the underlying websocket
func (c *FramedWSConn) LocalAddr() net.Addr {
	return c.wsConn.LocalAddr()
}

// RemoteAddr returns the tunnel target as the connection's remote address
func (c *FramedWSConn) RemoteAddr() net.Addr {
	return c
}

// Network is part of the net.Addr implementation used by RemoteAddr
func (c *FramedWSConn) Network() string {
	return "tcp"
}

func (c *FramedWSConn) String() string {
	return fmt.Sprintf("%v", c.target)
}

// SetDeadline sets both read and write deadlines on the websocket
func (c *FramedWSConn) SetDeadline(t time.Time) error {
	if err := c.wsConn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.wsConn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline on the websocket
func (c *FramedWSConn) SetReadDeadline(t time.Time) error {
	return c.wsConn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the websocket
func (c *FramedWSConn) SetWriteDeadline(t time.Time) error {
	return c.wsConn.SetWriteDeadline(t)
}
