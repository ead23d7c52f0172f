package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pglink/pglink/internal/conninfo"
)

const (
	// DefaultBufferSize is the read and write buffer size.
	DefaultBufferSize = 2 << 20

	sslRequestCode = 80877103
)

// NetworkAddress maps a ConnInfo host to a dialable network and address,
// following libpq conventions: an empty host is the default UNIX socket
// directory, a host starting with '/' or '@' is a socket directory, and
// anything else is TCP.
func NetworkAddress(host string, port int) (network, addr string) {
	switch {
	case host == "":
		return "unix", fmt.Sprintf("/var/run/postgresql/.s.PGSQL.%d", port)
	case host[0] == '/' || host[0] == '@':
		return "unix", fmt.Sprintf("%s/.s.PGSQL.%d", host, port)
	default:
		return "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port))
	}
}

// readGate blocks socket pulls while the consumer has signalled pause.
// It sits between the buffered reader and the connection so that already
// buffered bytes are unaffected but no new bytes leave the kernel.
type readGate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	src     net.Conn
	enabled bool
	closed  bool
}

func newReadGate(src net.Conn) *readGate {
	g := &readGate{src: src, enabled: true}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *readGate) Read(p []byte) (int, error) {
	g.mu.Lock()
	for !g.enabled && !g.closed {
		g.cond.Wait()
	}
	if g.closed {
		g.mu.Unlock()
		return 0, net.ErrClosed
	}
	src := g.src
	g.mu.Unlock()
	return src.Read(p)
}

func (g *readGate) setWant(enabled bool) {
	g.mu.Lock()
	g.enabled = enabled
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *readGate) setSource(src net.Conn) {
	g.mu.Lock()
	g.src = src
	g.mu.Unlock()
}

func (g *readGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Transport owns the socket for one engine: dialing, the optional TLS
// upgrade, buffered reads behind the flow-control gate, and buffered
// writes flushed once per dispatch tick.
type Transport struct {
	conn net.Conn
	gate *readGate
	br   *bufio.Reader
	bw   *bufio.Writer

	mu     sync.Mutex
	closed bool
}

// DialOptions tune the transport.
type DialOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	DialTimeout     time.Duration
}

// Dial establishes the underlying byte stream for a target.
func Dial(ctx context.Context, info *conninfo.ConnInfo, opts DialOptions) (*Transport, error) {
	network, addr := NetworkAddress(info.Host, info.Port)

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	if network == "tcp" && !info.KeepalivesEnabled() {
		dialer.KeepAlive = -1
	}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	readSize := opts.ReadBufferSize
	if readSize <= 0 {
		readSize = DefaultBufferSize
	}
	writeSize := opts.WriteBufferSize
	if writeSize <= 0 {
		writeSize = DefaultBufferSize
	}

	t := &Transport{conn: conn, gate: newReadGate(conn)}
	t.br = bufio.NewReaderSize(t.gate, readSize)
	t.bw = bufio.NewWriterSize(conn, writeSize)
	return t, nil
}

// NegotiateTLS runs the SSLRequest exchange. Called before any protocol
// traffic; a nil error leaves the transport on the (possibly upgraded)
// stream. tlsConfig supplies any extra TLS options; the server name for
// SNI is filled in from the target host when unset.
func (t *Transport) NegotiateTLS(ctx context.Context, info *conninfo.ConnInfo, tlsConfig *tls.Config) error {
	if !info.SSLMode.Attempt() {
		return nil
	}

	var req [8]byte
	binary.BigEndian.PutUint32(req[0:4], 8)
	binary.BigEndian.PutUint32(req[4:8], sslRequestCode)
	if _, err := t.conn.Write(req[:]); err != nil {
		return &ConnectError{Addr: t.conn.RemoteAddr().String(), Err: err}
	}

	var response [1]byte
	if _, err := io.ReadFull(t.conn, response[:]); err != nil {
		return ErrServerClosedDuringSSL
	}

	switch response[0] {
	case 'S':
		cfg := &tls.Config{}
		if tlsConfig != nil {
			cfg = tlsConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = info.Host
		}
		if !info.SSLMode.VerifyServer() {
			cfg.InsecureSkipVerify = true
		}
		tlsConn := tls.Client(t.conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("engine: TLS handshake: %w", err)
		}
		t.conn = tlsConn
		t.gate.setSource(tlsConn)
		t.br.Reset(t.gate)
		t.bw.Reset(tlsConn)
		return nil
	case 'N':
		if info.SSLMode.Required() {
			return ErrTLSRefused
		}
		return nil
	default:
		return &UnexpectedSSLResponseError{Byte: response[0]}
	}
}

// TLSActive reports whether the stream was upgraded.
func (t *Transport) TLSActive() bool {
	_, ok := t.conn.(*tls.Conn)
	return ok
}

// Read pulls buffered bytes, blocking while reads are paused.
func (t *Transport) Read(p []byte) (int, error) {
	return t.br.Read(p)
}

// Write buffers outgoing bytes. Nothing reaches the socket until Flush.
func (t *Transport) Write(p []byte) (int, error) {
	return t.bw.Write(p)
}

// Flush pushes buffered writes to the socket.
func (t *Transport) Flush() error {
	return t.bw.Flush()
}

// WantRead toggles whether new bytes are pulled from the socket.
func (t *Transport) WantRead(enabled bool) {
	t.gate.setWant(enabled)
}

// Close tears the socket down and wakes any gated reader. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.gate.close()
	return t.conn.Close()
}
