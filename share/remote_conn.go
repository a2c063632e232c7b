package stshare

// RemoteConn wraps the outbound TCP socket of one tunneled connection,
// keeping byte counters for the close log and exposing the half-close
// used when the target finishes sending.

import (
	"net"
	"sync/atomic"
)

// RemoteConn is the server's TCP connection to a tunnel target
type RemoteConn struct {
	Logger
	netConn net.Conn

	// NumBytesRead is the number of bytes read from the target so far
	NumBytesRead int64

	// NumBytesWritten is the number of bytes written to the target so far
	NumBytesWritten int64
}

// NewRemoteConn wraps an established TCP connection to a tunnel target
func NewRemoteConn(logger Logger, netConn net.Conn) *RemoteConn {
	return &RemoteConn{
		Logger:  logger,
		netConn: netConn,
	}
}

// Read implements the Reader interface
func (c *RemoteConn) Read(p []byte) (n int, err error) {
	n, err = c.netConn.Read(p)
	atomic.AddInt64(&c.NumBytesRead, int64(n))
	return n, err
}

// Write implements the Writer interface
func (c *RemoteConn) Write(p []byte) (n int, err error) {
	n, err = c.netConn.Write(p)
	atomic.AddInt64(&c.NumBytesWritten, int64(n))
	return n, err
}

// CloseWrite shuts down the writing side of the socket, sending a FIN to
// the target while leaving the read side open. If the underlying conn does
// not support half-close the call is ignored.
func (c *RemoteConn) CloseWrite() error {
	whc, _ := c.netConn.(WriteHalfCloser)
	if whc == nil {
		c.DLogf("CloseWrite() ignored--not implemented by net.Conn implementer")
		return nil
	}
	err := whc.CloseWrite()
	if err != nil {
		err = c.Errorf("CloseWrite failed: %s", err)
	}
	return err
}

// Close destroys the socket
func (c *RemoteConn) Close() error {
	return c.netConn.Close()
}
