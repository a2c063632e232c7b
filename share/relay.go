package stshare

// Relay is the per-connection engine of the tunnel server. It decodes the
// encrypted chunk stream arriving on one websocket, opens the outbound TCP
// connection named by the first decoded payload, and copies traffic in both
// directions until either side goes away.
//
// One goroutine (Run) owns the ingress direction: websocket reads, framing,
// the dial, and writes to the target. A second goroutine (serveRemote) owns
// the egress direction: target reads, framing, and websocket sends.
// Backpressure falls out of blocking i/o. While a target write or the dial
// is in flight, no websocket reads occur, so the decoded payload queue
// stays bounded; while a websocket send is in flight, the target is not
// read, so egress buffering is bounded to one send.

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
)

// RelayStage is the coarse state of one relay
type RelayStage int32

const (
	// StageClosed means the address payload has not been decoded yet
	StageClosed RelayStage = iota

	// StageOpening means the outbound TCP dial is in flight
	StageOpening

	// StageWriting means queued payloads are being drained to the target
	StageWriting

	// StageOpen means the queue is drained and the relay is idle
	StageOpen
)

var relayStageNames = [...]string{"closed", "opening", "writing", "open"}

func (s RelayStage) String() string {
	if s < StageClosed || s > StageOpen {
		return "unknown"
	}
	return relayStageNames[s]
}

// dialTimeout bounds the outbound TCP connect
const dialTimeout = 20 * time.Second

// egressBufSize is the target read buffer size for the egress pump
const egressBufSize = 32 * 1024

// Relay services one tunneled connection
type Relay struct {
	ShutdownHelper
	server    *Server
	wsConn    *websocket.Conn
	masterKey []byte

	ingress *InboundFramer
	egress  *OutboundFramer

	stage int32

	// payloadQueue holds decoded payloads not yet written to the target,
	// in arrival order. Owned by the ingress goroutine.
	payloadQueue [][]byte

	// remote is non-nil once the dial has succeeded. Guarded by Lock since
	// teardown runs on its own goroutine.
	remote *RemoteConn

	fromAddr string
	toAddr   string
}

// NewRelay creates a Relay for a freshly upgraded websocket. The master key
// is snapshotted here so a passphrase reload never affects an established
// connection.
func NewRelay(server *Server, wsConn *websocket.Conn) *Relay {
	r := &Relay{
		server:    server,
		wsConn:    wsConn,
		masterKey: server.MasterKey(),
		fromAddr:  wsConn.RemoteAddr().String(),
	}
	r.InitShutdownHelper(server.Fork("relay %s", r.fromAddr), r)
	r.ingress = NewInboundFramer(server.method, r.masterKey)
	return r
}

// Stage returns the relay's current coarse state
func (r *Relay) Stage() RelayStage {
	return RelayStage(atomic.LoadInt32(&r.stage))
}

func (r *Relay) setStage(s RelayStage) {
	atomic.StoreInt32(&r.stage, int32(s))
}

// Run services the websocket until either side closes, then completes
// teardown. It is the ingress goroutine.
func (r *Relay) Run(ctx context.Context) error {
	err := r.DoOnceActivate(
		func() error {
			r.ShutdownOnContext(ctx)
			r.server.connStats.New()
			r.server.connStats.Open()
			r.DLogf("%v Open", &r.server.connStats)
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}

	for {
		_, data, err := r.wsConn.ReadMessage()
		if err != nil {
			// client went away, or teardown closed the socket under us
			r.DLogf("websocket closed: %s", err)
			break
		}
		if err := r.onWsData(data); err != nil {
			break
		}
	}
	return r.Shutdown(nil)
}

// onWsData feeds received ciphertext through the framer and advances the
// state machine. A non-nil return means the connection is done for; the
// error has already been logged.
func (r *Relay) onWsData(data []byte) error {
	payloads, err := r.ingress.Feed(data)
	if err != nil {
		// authentication or framing failure. Nothing decoded in this batch
		// may be forwarded; the client just gets a dead socket.
		return r.WLogErrorf("%s->%s [%s]: dropping connection: %s",
			r.fromAddr, r.toAddr, r.Stage(), err)
	}
	r.payloadQueue = append(r.payloadQueue, payloads...)

	switch r.Stage() {
	case StageClosed:
		if len(r.payloadQueue) == 0 {
			return nil
		}
		if err := r.openRemote(); err != nil {
			return err
		}
		return r.drain()
	case StageOpen:
		return r.drain()
	default:
		// a drain or dial is already in progress; it will pick up the
		// newly queued payloads
		return nil
	}
}

// openRemote consumes the head payload as the target address header and
// establishes the outbound TCP connection. No websocket reads occur while
// the dial is in flight.
func (r *Relay) openRemote() error {
	r.setStage(StageOpening)

	head := r.payloadQueue[0]
	r.payloadQueue = r.payloadQueue[1:]
	target, extra, err := ParseAddressHeader(head)
	if err != nil {
		return r.WLogErrorf("%s: dropping connection: %s", r.fromAddr, err)
	}
	if extra != nil {
		// bytes after the header are the first tunneled data; they must be
		// written to the target ahead of everything received later
		r.payloadQueue = append([][]byte{extra}, r.payloadQueue...)
	}
	r.toAddr = target.String()
	r.DLogf("connecting to %s", r.toAddr)

	netConn, err := net.DialTimeout("tcp", r.toAddr, dialTimeout)
	if err != nil {
		return r.ELogErrorf("%s->%s: connect failed: %s", r.fromAddr, r.toAddr, err)
	}
	if r.IsStartedShutdown() {
		// the websocket went away while the dial was in flight
		netConn.Close()
		return r.Errorf("websocket closed during connect to %s", r.toAddr)
	}

	egress, err := NewOutboundFramer(r.server.method, r.masterKey)
	if err != nil {
		netConn.Close()
		return r.ELogErrorf("%s->%s: %s", r.fromAddr, r.toAddr, err)
	}
	r.egress = egress

	r.Lock.Lock()
	r.remote = NewRemoteConn(r.Logger, netConn)
	r.Lock.Unlock()

	// the server salt must be the first egress bytes on the wire, even if
	// the target never sends anything
	if err := r.wsConn.WriteMessage(websocket.BinaryMessage, egress.Wrap(nil)); err != nil {
		return r.DLogErrorf("%s->%s: salt send failed: %s", r.fromAddr, r.toAddr, err)
	}

	go r.serveRemote()
	return nil
}

// drain writes every queued payload to the target in order. Blocking here
// is what pauses websocket ingress when the target is slow.
func (r *Relay) drain() error {
	r.setStage(StageWriting)
	for len(r.payloadQueue) > 0 {
		p := r.payloadQueue[0]
		r.payloadQueue = r.payloadQueue[1:]
		if _, err := r.remote.Write(p); err != nil {
			return r.ELogErrorf("%s->%s: target write failed: %s", r.fromAddr, r.toAddr, err)
		}
	}
	r.setStage(StageOpen)
	return nil
}

// serveRemote pumps target data back to the client. It is the egress
// goroutine. The target is read again only after the previous websocket
// send completed.
func (r *Relay) serveRemote() {
	buf := make([]byte, egressBufSize)
	for {
		n, err := r.remote.Read(buf)
		if n > 0 {
			if werr := r.wsConn.WriteMessage(websocket.BinaryMessage, r.egress.Wrap(buf[:n])); werr != nil {
				if !r.IsStartedShutdown() {
					r.DLogf("%s->%s: websocket send failed: %s", r.fromAddr, r.toAddr, werr)
				}
				r.StartShutdown(werr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				// target finished sending; answer the FIN. Encrypted bytes
				// already handed to the websocket still drain before the
				// close frame below.
				r.remote.CloseWrite()
				r.StartShutdown(nil)
			} else if !r.IsStartedShutdown() {
				r.ELogf("%s->%s: target read failed: %s", r.fromAddr, r.toAddr, err)
				r.StartShutdown(err)
			}
			return
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// forces both sides of the relay closed and emits the close log.
func (r *Relay) HandleOnceShutdown(completionErr error) error {
	r.wsConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	r.wsConn.Close()

	r.Lock.Lock()
	remote := r.remote
	r.Lock.Unlock()

	var sent, received int64
	if remote != nil {
		remote.Close()
		sent = atomic.LoadInt64(&remote.NumBytesWritten)
		received = atomic.LoadInt64(&remote.NumBytesRead)
	}
	r.server.connStats.Close()
	r.ILogf("%v: Close %s->%s [%s] (sent %s received %s)",
		&r.server.connStats, r.fromAddr, r.toAddr, r.Stage(),
		sizestr.ToString(sent), sizestr.ToString(received))
	return completionErr
}
