// Package relay implements the Connection state machine and the
// Relay acceptor/reactor/sweeper, grounded on the teacher's
// proxy/base.go BaseServer accept loop and proxy/shadowsocks_server.go
// HandleConnection, generalized to the spec's exact state machine and
// corrected where the teacher's own shadowsocks implementation diverged
// from the real protocol (ATYP values, key derivation).
package relay

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	sscipher "github.com/chengchnegcheng/ssrelay/internal/cipher"
	"github.com/chengchnegcheng/ssrelay/internal/addr"
	"github.com/chengchnegcheng/ssrelay/internal/events"
	"github.com/chengchnegcheng/ssrelay/internal/relayerr"
	"github.com/chengchnegcheng/ssrelay/internal/resolver"
	"github.com/chengchnegcheng/ssrelay/internal/stats"
)

// State is a Connection's position in the spec's state machine.
type State int

const (
	StateReadingHeader State = iota
	StateResolving
	StateDialing
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReadingHeader:
		return "ReadingHeader"
	case StateResolving:
		return "Resolving"
	case StateDialing:
		return "Dialing"
	case StateStreaming:
		return "Streaming"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// maxHeaderBuffer bounds the decrypt buffer while still in
// ReadingHeader; exceeding it is fatal (spec §4.D).
const maxHeaderBuffer = 64 * 1024

// copyBufferSize is the per-direction buffer size used by the streaming
// copy loops (spec §4.D: "at least 64 KiB").
const copyBufferSize = 64 * 1024

// Connection is one client socket's full lifecycle: decrypt handshake,
// resolve, dial, bidirectional stream, teardown. A Connection's cipher
// pair and buffers are touched by at most one goroutine per direction at
// a time; the two streaming goroutines never share mutable state other
// than the atomic counters and last-activity timestamp below.
type Connection struct {
	id       string
	clientIP string

	client net.Conn
	target net.Conn

	cipher *sscipher.CipherPair

	resolver resolver.Resolver
	dialTimeout time.Duration

	bytesIn  int64
	bytesOut int64

	lastActivity atomic.Int64 // whole seconds since activityEpoch, on the monotonic clock

	stateMu sync.Mutex
	state   State

	targetAddr string

	registry *stats.Registry
	bus      *events.Bus

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection constructs a Connection for a freshly accepted client
// socket. The CipherPair is method/password-derived independently per
// Connection, matching the spec's "CipherPair: two independent
// stream-cipher states... per Connection."
func NewConnection(client net.Conn, method string, password []byte, res resolver.Resolver, dialTimeout time.Duration, registry *stats.Registry, bus *events.Bus) (*Connection, error) {
	cp, err := sscipher.NewCipherPair(method, password)
	if err != nil {
		return nil, relayerr.New(relayerr.KindCapacityInternal, "construct cipher pair", err)
	}
	c := &Connection{
		id:          uuid.NewString(),
		clientIP:    hostOf(client.RemoteAddr()),
		client:      client,
		cipher:      cp,
		resolver:    res,
		dialTimeout: dialTimeout,
		state:       StateReadingHeader,
		registry:    registry,
		bus:         bus,
		closed:      make(chan struct{}),
	}
	c.touch()
	tuneSocket(client)
	return c, nil
}

func hostOf(a net.Addr) string {
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

// tuneSocket applies TCP_NODELAY/SO_KEEPALIVE/buffer sizing per spec
// §4.D, best-effort: failures here never abort the Connection.
func tuneSocket(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
	_ = tc.SetReadBuffer(1 << 20)
	_ = tc.SetWriteBuffer(1 << 20)
}

// activityEpoch anchors lastActivity so idle comparisons use the
// monotonic clock rather than wall-clock time.
var activityEpoch = time.Now()

func (c *Connection) touch() {
	c.lastActivity.Store(int64(time.Since(activityEpoch) / time.Second))
}

// LastActivity returns the monotonic-second timestamp of the most
// recent successful read or write in either direction.
func (c *Connection) LastActivity() time.Time {
	return activityEpoch.Add(time.Duration(c.lastActivity.Load()) * time.Second)
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// BytesIn/BytesOut report the monotonic counters from spec §8.
func (c *Connection) BytesIn() int64  { return atomic.LoadInt64(&c.bytesIn) }
func (c *Connection) BytesOut() int64 { return atomic.LoadInt64(&c.bytesOut) }

// Run drives the full state machine to completion: reads and parses the
// handshake header, resolves and dials the target, then streams until
// either side closes, an error occurs, parentCtx is cancelled (Relay
// shutdown), or the Sweeper calls Close on this Connection (which
// cancels c.ctx directly, independent of parentCtx). It always returns
// after the Connection reaches Closed and stats/events have been
// finalized.
func (c *Connection) Run(parentCtx context.Context) {
	c.ctx, c.cancel = context.WithCancel(parentCtx)
	defer c.finalize()

	c.registry.OnAccept(c.id, c.clientIP)
	c.bus.Publish(events.Event{Kind: events.KindAccepted, ConnID: c.id, ClientIP: c.clientIP})

	payload, err := c.readHeader(c.ctx)
	if err != nil {
		c.teardown(err)
		return
	}
	c.registry.OnTargetKnown(c.id, c.clientIP, c.targetAddr)

	targetConn, err := c.dial(c.ctx)
	if err != nil {
		c.teardown(err)
		return
	}
	c.target = targetConn

	c.setState(StateStreaming)
	if err := c.InitEncryptAndHandshake(); err != nil {
		c.teardown(err)
		return
	}
	if len(payload) > 0 {
		if _, err := c.target.Write(payload); err != nil {
			c.teardown(relayerr.New(relayerr.KindTargetUnreachable, "write initial payload", err))
			return
		}
		c.touch()
	}

	c.bus.Publish(events.Event{Kind: events.KindTargetResolved, ConnID: c.id, Target: c.targetAddr})

	err = c.stream(c.ctx)
	c.teardown(err)
}

// readHeader consumes ciphertext from the client until the decrypt
// buffer yields a complete Shadowsocks address header, returning any
// trailing plaintext bytes that arrived as part of the same read as the
// "initial payload" the spec requires be forwarded once the target is
// dialed.
func (c *Connection) readHeader(ctx context.Context) ([]byte, error) {
	ivLen := c.cipher.IVLen()
	var ivBuf []byte // ciphertext pending until the peer's IV is complete
	var plain []byte // decrypted header bytes accumulated so far
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return nil, relayerr.New(relayerr.KindShutdown, "shutdown during header read", nil)
		default:
		}

		n, err := c.client.Read(buf)
		if n > 0 {
			atomic.AddInt64(&c.bytesIn, int64(n))
			c.touch()
			data := buf[:n]

			if !c.cipher.DecryptInitialized() {
				ivBuf = append(ivBuf, data...)
				if len(ivBuf) < ivLen {
					if err != nil {
						return nil, classifyRead(err)
					}
					continue
				}
				if initErr := c.cipher.InitDecrypt(ivBuf[:ivLen]); initErr != nil {
					return nil, relayerr.New(relayerr.KindMalformedStream, "init decrypt", initErr)
				}
				data = ivBuf[ivLen:]
				ivBuf = nil
			}

			if len(data) > 0 {
				chunk := make([]byte, len(data))
				if decErr := c.cipher.Decrypt(chunk, data); decErr != nil {
					return nil, relayerr.New(relayerr.KindMalformedStream, "decrypt header", decErr)
				}
				plain = append(plain, chunk...)
			}

			a, consumed, parseErr := addr.Parse(plain)
			switch parseErr {
			case nil:
				c.targetAddr = a.String()
				c.setState(StateResolving)
				return plain[consumed:], nil
			case addr.ErrNeedMore:
				if len(plain) >= maxHeaderBuffer {
					return nil, relayerr.New(relayerr.KindMalformedStream, "header buffer exceeded 64KiB without parse", nil)
				}
			default:
				return nil, relayerr.New(relayerr.KindMalformedStream, "invalid address header", parseErr)
			}
		}
		if err != nil {
			return nil, classifyRead(err)
		}
	}
}

func classifyRead(err error) error {
	kind := relayerr.Classify(err)
	return relayerr.New(kind, "read client header", err)
}

// dial resolves the target host (unless it's already a literal IP) and
// opens the outbound TCP connection within dialTimeout.
func (c *Connection) dial(ctx context.Context) (net.Conn, error) {
	c.setState(StateResolving)
	host, port, err := net.SplitHostPort(c.targetAddr)
	if err != nil {
		return nil, relayerr.New(relayerr.KindMalformedStream, "split target address", err)
	}

	ip, err := c.resolver.Resolve(ctx, host)
	if err != nil {
		return nil, err // already a *relayerr.Error from the resolver
	}

	c.setState(StateDialing)
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(ip.String(), port))
	if err != nil {
		return nil, relayerr.New(relayerr.KindTargetUnreachable, "dial target "+c.targetAddr, err)
	}
	tuneSocket(conn)
	return conn, nil
}

// stream runs the bidirectional copy loops and blocks until either
// direction ends, classifying the terminating error.
func (c *Connection) stream(ctx context.Context) error {
	errCh := make(chan error, 2)

	go c.pumpClientToTarget(errCh)
	go c.pumpTargetToClient(errCh)

	select {
	case err := <-errCh:
		// A clean EOF has already half-closed the opposite side; let the
		// other direction drain until it ends as well.
		if e, ok := err.(*relayerr.Error); ok && e.Kind == relayerr.KindNormalClose {
			select {
			case err = <-errCh:
			case <-ctx.Done():
				return relayerr.New(relayerr.KindShutdown, "shutdown while streaming", nil)
			}
		}
		return err
	case <-ctx.Done():
		return relayerr.New(relayerr.KindShutdown, "shutdown while streaming", nil)
	}
}

func (c *Connection) pumpClientToTarget(errCh chan<- error) {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := c.client.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			if decErr := c.cipher.Decrypt(out, buf[:n]); decErr != nil {
				errCh <- relayerr.New(relayerr.KindMalformedStream, "decrypt stream", decErr)
				return
			}
			if _, werr := c.target.Write(out); werr != nil {
				errCh <- relayerr.New(relayerr.Classify(werr), "write to target", werr)
				return
			}
			atomic.AddInt64(&c.bytesIn, int64(n))
			c.touch()
			c.registry.OnBytesSent(c.clientIP, c.targetAddr, int64(n))
		}
		if err != nil {
			if tc, ok := c.target.(*net.TCPConn); ok {
				_ = tc.CloseWrite()
			}
			if err == io.EOF {
				errCh <- relayerr.New(relayerr.KindNormalClose, "client read EOF", nil)
			} else {
				errCh <- relayerr.New(relayerr.Classify(err), "read from client", err)
			}
			return
		}
	}
}

func (c *Connection) pumpTargetToClient(errCh chan<- error) {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := c.target.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			if encErr := c.cipher.Encrypt(out, buf[:n]); encErr != nil {
				errCh <- relayerr.New(relayerr.KindMalformedStream, "encrypt stream", encErr)
				return
			}
			if _, werr := c.client.Write(out); werr != nil {
				errCh <- relayerr.New(relayerr.Classify(werr), "write to client", werr)
				return
			}
			atomic.AddInt64(&c.bytesOut, int64(n))
			c.touch()
			c.registry.OnBytesReceived(c.clientIP, c.targetAddr, int64(n))
		}
		if err != nil {
			if tc, ok := c.client.(*net.TCPConn); ok {
				_ = tc.CloseWrite()
			}
			if err == io.EOF {
				errCh <- relayerr.New(relayerr.KindNormalClose, "target read EOF", nil)
			} else {
				errCh <- relayerr.New(relayerr.Classify(err), "read from target", err)
			}
			return
		}
	}
}

// InitEncryptAndHandshake must be called before any data is written to
// the client: it constructs the encryptor and writes its IV as the
// first bytes of the server->client stream, per spec §4.A.
func (c *Connection) InitEncryptAndHandshake() error {
	iv, err := c.cipher.InitEncrypt()
	if err != nil {
		return relayerr.New(relayerr.KindCapacityInternal, "init encrypt", err)
	}
	if _, err := c.client.Write(iv); err != nil {
		return relayerr.New(relayerr.Classify(err), "write response IV", err)
	}
	return nil
}

// Close tears the Connection down idempotently; safe to call from the
// sweeper or Relay shutdown concurrently with Run.
func (c *Connection) Close(kind relayerr.Kind) {
	c.teardown(relayerr.New(kind, kind.String(), nil))
}

func (c *Connection) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.client.Close()
		if c.target != nil {
			_ = c.target.Close()
		}
		close(c.closed)

		reason := "EOF"
		if e, ok := cause.(*relayerr.Error); ok {
			reason = e.Kind.String()
		}
		c.bus.Publish(events.Event{
			Kind:     events.KindClosed,
			ConnID:   c.id,
			Reason:   reason,
			BytesIn:  c.BytesIn(),
			BytesOut: c.BytesOut(),
		})
		c.setState(StateClosed)
	})
}

func (c *Connection) finalize() {
	c.registry.OnClose(c.id, c.clientIP, c.targetAddr)
}

// Done returns a channel that is closed once teardown has closed the
// Connection's sockets, for callers that need to wait without polling.
func (c *Connection) Done() <-chan struct{} { return c.closed }
