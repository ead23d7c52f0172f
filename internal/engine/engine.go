// Package engine implements the per-connection PostgreSQL client state
// machine: transport bring-up with optional TLS, authentication including
// SCRAM-SHA-256, the v3 protocol query lifecycle, consumer backpressure,
// and ordered teardown. The wire codec is github.com/jackc/pgproto3.
package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgproto3/v2"

	"github.com/pglink/pglink/internal/async"
	"github.com/pglink/pglink/internal/conninfo"
	"github.com/pglink/pglink/internal/query"
)

// Collaborator is the pool-facing interface. The engine calls it from its
// dispatch goroutine; implementations must not call back into the engine
// synchronously with blocking operations.
type Collaborator interface {
	// EngineReady fires on every ReadyForQuery.
	EngineReady(e *Engine)
	// EngineDisconnected fires once, when the connection is lost.
	EngineDisconnected(e *Engine)
	// Notification forwards LISTEN/NOTIFY payloads.
	Notification(e *Engine, channel, payload string)
}

// Config describes one engine.
type Config struct {
	Info     *conninfo.ConnInfo
	Password string

	// Pool receives readiness, disconnect and notification callbacks. Optional.
	Pool Collaborator

	// TLSConfig supplies extra TLS options for the upgrade; SNI and
	// verification mode are derived from the target when unset.
	TLSConfig *tls.Config

	// Encoding is the client text encoding label. Defaults to the
	// client_encoding startup parameter, then UTF8.
	Encoding string

	ReadBufferSize  int
	WriteBufferSize int
	DialTimeout     time.Duration

	Logger *slog.Logger

	// NonceSource overrides the SCRAM nonce randomness. Tests only.
	NonceSource io.Reader
}

type engineState int

const (
	stateInit engineState = iota
	stateConnecting
	stateAuthenticating
	stateReady
	stateClosed
)

// Engine drives one physical backend connection. Not safe for concurrent
// query submission; the pool hands an engine to one consumer at a time.
//
// The engine never sends an out-of-band cancel request: cancelling a
// query's Completed future locally does not stop server-side execution,
// and the engine still transitions back to ready when the server finishes.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	codec *TextCodec

	// Connected transitions 0 -> 1 exactly once, then 1 -> 0 at most once.
	Connected *async.Observable[int]
	// ReadyState holds "" while a query is in flight, otherwise the
	// transaction status byte reported by ReadyForQuery: I, T or E.
	ReadyState *async.Observable[string]
	// Authenticated resolves once, before the first ReadyForQuery.
	Authenticated *async.Future[struct{}]
	// Idle resolves on the first ReadyForQuery; it is the connect future.
	Idle *async.Future[struct{}]

	mu          sync.Mutex
	state       engineState
	transport   *Transport
	frontend    *pgproto3.Frontend
	activeQuery *query.Query
	scram       *scramConversation
	flowStop    chan struct{}
	params      map[string]*async.Observable[string]

	backendPID    uint32
	backendSecret uint32
	lastServerErr *ServerError

	// wmu serializes frontend sends and the flush that follows them, so
	// the COPY IN streamer cannot interleave with auth responses.
	wmu sync.Mutex

	teardownOnce sync.Once
	done         chan struct{}
}

// New builds an engine for a resolved target.
func New(cfg Config) (*Engine, error) {
	if cfg.Info == nil {
		return nil, &conninfo.ConfigError{Reason: "engine requires connection info"}
	}
	label := cfg.Encoding
	if label == "" {
		label = cfg.Info.Params["client_encoding"]
	}
	codec, err := NewTextCodec(label)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:           cfg,
		log:           log.With("addr", cfg.Info.Addr(), "db", cfg.Info.Database),
		codec:         codec,
		Connected:     async.NewObservable(0),
		ReadyState:    async.NewObservable(""),
		Authenticated: async.NewFuture[struct{}](),
		Idle:          async.NewFuture[struct{}](),
		params:        make(map[string]*async.Observable[string]),
		done:          make(chan struct{}),
	}, nil
}

// Connect brings the connection up: dial, optional TLS, startup packet,
// authentication, and the first ReadyForQuery. It is an error to call it
// twice. Cancelling ctx runs the full teardown.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.state != stateInit {
		e.mu.Unlock()
		return ErrAlreadyConnected
	}
	e.state = stateConnecting
	e.mu.Unlock()

	// A cancelled connect must release the half-open socket even while a
	// phase is blocked in a read (e.g. awaiting the SSL response byte).
	stopWatchdog := context.AfterFunc(ctx, e.Teardown)
	defer stopWatchdog()

	t, err := Dial(ctx, e.cfg.Info, DialOptions{
		ReadBufferSize:  e.cfg.ReadBufferSize,
		WriteBufferSize: e.cfg.WriteBufferSize,
		DialTimeout:     e.cfg.DialTimeout,
	})
	if err != nil {
		e.failConnect(err)
		return err
	}
	e.mu.Lock()
	e.transport = t
	e.mu.Unlock()

	if err := t.NegotiateTLS(ctx, e.cfg.Info, e.cfg.TLSConfig); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		e.failConnect(err)
		return err
	}

	frontend := pgproto3.NewFrontend(pgproto3.NewChunkReader(t), t)
	e.mu.Lock()
	e.frontend = frontend
	e.state = stateAuthenticating
	e.mu.Unlock()

	startup := pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      e.cfg.Info.StartupParameters(),
	}
	startupBytes, err := startup.Encode(nil)
	if err != nil {
		e.failConnect(err)
		return err
	}
	if _, err := t.Write(startupBytes); err != nil {
		e.failConnect(err)
		return err
	}
	if err := t.Flush(); err != nil {
		e.failConnect(err)
		return err
	}

	e.Connected.Set(1)
	go e.readLoop(frontend)

	select {
	case <-e.Idle.Done():
		_, err := e.Idle.Result()
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		return err
	case <-ctx.Done():
		e.Teardown()
		return ctx.Err()
	}
}

// failConnect settles the connect-phase futures with err and tears down.
func (e *Engine) failConnect(err error) {
	e.Authenticated.Fail(err)
	e.Idle.Fail(err)
	e.Teardown()
}

// readLoop pulls backend messages and dispatches until the stream ends.
func (e *Engine) readLoop(frontend *pgproto3.Frontend) {
	for {
		msg, err := frontend.Receive()
		if err != nil {
			select {
			case <-e.done:
			default:
				if isClosedErr(err) {
					e.fatal(ErrDisconnected)
				} else {
					e.fatal(fmt.Errorf("engine: receive: %w", err))
				}
			}
			return
		}
		if err := e.dispatchSafe(msg); err != nil {
			e.fatal(err)
			return
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

// dispatchSafe isolates dispatch faults: a panic while handling a message
// means the protocol state cannot be trusted, so the connection dies
// rather than let a partial message advance to a COMMIT.
func (e *Engine) dispatchSafe(msg pgproto3.BackendMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: dispatch panic on %T: %v", msg, r)
		}
	}()
	return e.dispatch(msg)
}

func (e *Engine) dispatch(msg pgproto3.BackendMessage) error {
	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk,
		*pgproto3.AuthenticationCleartextPassword,
		*pgproto3.AuthenticationMD5Password,
		*pgproto3.AuthenticationSASL,
		*pgproto3.AuthenticationSASLContinue,
		*pgproto3.AuthenticationSASLFinal,
		*pgproto3.AuthenticationGSS,
		*pgproto3.AuthenticationGSSContinue:
		return e.handleAuthentication(msg)

	case *pgproto3.ParameterStatus:
		return e.setParameter(m.Name, m.Value)

	case *pgproto3.BackendKeyData:
		e.mu.Lock()
		e.backendPID = m.ProcessID
		e.backendSecret = m.SecretKey
		e.mu.Unlock()
		e.log.Debug("backend key data", "pid", m.ProcessID)

	case *pgproto3.ReadyForQuery:
		e.handleReadyForQuery(m.TxStatus)

	case *pgproto3.RowDescription:
		q := e.active()
		if q == nil {
			e.log.Warn("row description with no active query")
			return nil
		}
		fields, err := e.convertRowDescription(m)
		if err != nil {
			return err
		}
		q.SetDescription(fields)

	case *pgproto3.DataRow:
		q := e.active()
		if q == nil {
			e.log.Warn("data row with no active query, discarding")
			return nil
		}
		e.ensureFlowSubscription(q)
		row, err := e.decodeRow(m.Values)
		if err != nil {
			return err
		}
		e.deliverRow(q, row)

	case *pgproto3.CommandComplete:
		tag := string(m.CommandTag)
		e.mu.Lock()
		q := e.activeQuery
		e.stopFlowLocked()
		e.mu.Unlock()
		if q != nil {
			q.CloseRows()
			q.Completed.Resolve(tag)
		}
		e.log.Debug("command complete", "tag", tag)

	case *pgproto3.EmptyQueryResponse:
		e.log.Debug("empty query response")
	case *pgproto3.NoData:
		e.log.Debug("no data")
	case *pgproto3.ParseComplete:
		e.log.Debug("parse complete")
	case *pgproto3.BindComplete:
		e.log.Debug("bind complete")
	case *pgproto3.CloseComplete:
		e.mu.Lock()
		e.stopFlowLocked()
		e.mu.Unlock()
		e.log.Debug("close complete")

	case *pgproto3.ErrorResponse:
		return e.handleErrorResponse(m)

	case *pgproto3.NoticeResponse:
		e.log.Info("server notice", "severity", m.Severity, "message", m.Message)

	case *pgproto3.CopyInResponse:
		q := e.active()
		if q == nil {
			e.log.Warn("copy-in response with no active query")
			return nil
		}
		q.ReadyToStream.Resolve(struct{}{})
		go e.streamCopyIn(q)

	case *pgproto3.CopyOutResponse:
		e.log.Debug("copy-out begins", "columns", len(m.ColumnFormatCodes))

	case *pgproto3.CopyData:
		q := e.active()
		if q == nil {
			e.log.Warn("copy data with no active query, discarding")
			return nil
		}
		val, err := e.codec.Decode(m.Data)
		if err != nil {
			return err
		}
		e.deliverRow(q, query.Row{val})

	case *pgproto3.CopyDone:
		e.log.Debug("copy-out complete")

	case *pgproto3.NotificationResponse:
		if e.cfg.Pool != nil {
			e.cfg.Pool.Notification(e, m.Channel, m.Payload)
		}

	default:
		e.log.Warn("unhandled backend message", "type", fmt.Sprintf("%T", msg))
	}
	return nil
}

func (e *Engine) handleReadyForQuery(txStatus byte) {
	e.mu.Lock()
	q := e.activeQuery
	e.activeQuery = nil
	e.stopFlowLocked()
	e.state = stateReady
	e.mu.Unlock()

	// A query the server finished without CommandComplete (empty query,
	// portal suspension) still has to settle.
	if q != nil && !q.Completed.Settled() {
		q.CloseRows()
		q.Completed.Resolve("")
	}

	e.ReadyState.Set(string(txStatus))
	e.Idle.Resolve(struct{}{})
	if e.cfg.Pool != nil {
		e.cfg.Pool.EngineReady(e)
	}
}

func (e *Engine) handleErrorResponse(m *pgproto3.ErrorResponse) error {
	serr := serverErrorFromWire(m)
	e.mu.Lock()
	q := e.activeQuery
	e.stopFlowLocked()
	e.mu.Unlock()

	switch {
	case q != nil:
		q.CloseRows()
		q.Completed.Fail(serr)
		e.log.Debug("query failed", "code", serr.Code, "message", serr.Message)
	case !e.Idle.Settled():
		// Startup or authentication failed; the connection is done for.
		return serr
	default:
		e.mu.Lock()
		e.lastServerErr = serr
		e.mu.Unlock()
		e.log.Warn("server error outside a query", "code", serr.Code, "message", serr.Message)
	}
	return nil
}

func (e *Engine) active() *query.Query {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeQuery
}

func (e *Engine) convertRowDescription(m *pgproto3.RowDescription) ([]query.Field, error) {
	fields := make([]query.Field, len(m.Fields))
	for i, f := range m.Fields {
		name, err := e.codec.Decode(f.Name)
		if err != nil {
			return nil, err
		}
		fields[i] = query.Field{
			Name:        name,
			TableOID:    f.TableOID,
			AttrNumber:  f.TableAttributeNumber,
			DataTypeOID: f.DataTypeOID,
			TypeSize:    f.DataTypeSize,
			TypeMod:     f.TypeModifier,
			Format:      f.Format,
		}
	}
	return fields, nil
}

func (e *Engine) decodeRow(values [][]byte) (query.Row, error) {
	row := make(query.Row, len(values))
	for i, v := range values {
		s, err := e.codec.Decode(v)
		if err != nil {
			return nil, err
		}
		row[i] = s
	}
	return row, nil
}

func (e *Engine) deliverRow(q *query.Query, row query.Row) {
	select {
	case q.Rows <- row:
	case <-e.done:
	}
}

// ensureFlowSubscription lazily wires the query's flow-control signal to
// the transport read gate, on the first data row.
func (e *Engine) ensureFlowSubscription(q *query.Query) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flowStop != nil || q.FlowControl == nil || e.transport == nil {
		return
	}
	stop := make(chan struct{})
	e.flowStop = stop
	t := e.transport
	go func() {
		for {
			select {
			case v, ok := <-q.FlowControl:
				if !ok {
					t.WantRead(true)
					return
				}
				t.WantRead(v)
			case <-stop:
				// Discard signals still queued for this query so a
				// consumer's later send finds room in the channel.
				for drained := false; !drained; {
					select {
					case _, ok := <-q.FlowControl:
						drained = !ok
					default:
						drained = true
					}
				}
				t.WantRead(true)
				return
			}
		}
	}()
}

// stopFlowLocked drops the flow-control subscription. Caller holds e.mu.
func (e *Engine) stopFlowLocked() {
	if e.flowStop != nil {
		close(e.flowStop)
		e.flowStop = nil
	}
}

// setParameter upserts a backend parameter-status observable.
func (e *Engine) setParameter(name, value string) error {
	decoded, err := e.codec.Decode([]byte(value))
	if err != nil {
		return err
	}

	// The server is authoritative on the session encoding; follow it.
	if name == "client_encoding" {
		if codec, err := NewTextCodec(decoded); err == nil {
			e.mu.Lock()
			e.codec = codec
			e.mu.Unlock()
		} else {
			e.log.Warn("server reported unknown client_encoding", "value", decoded)
		}
	}

	e.mu.Lock()
	o, ok := e.params[name]
	if !ok {
		o = async.NewObservable("")
		e.params[name] = o
	}
	e.mu.Unlock()
	o.Set(decoded)
	e.log.Debug("parameter status", "name", name, "value", decoded)
	return nil
}

// Parameter returns the observable for a backend parameter, or nil when
// the server has not reported it.
func (e *Engine) Parameter(name string) *async.Observable[string] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params[name]
}

// ParameterValue returns the current value of a backend parameter.
func (e *Engine) ParameterValue(name string) string {
	if o := e.Parameter(name); o != nil {
		return o.Get()
	}
	return ""
}

// BackendPID returns the server process id from BackendKeyData.
func (e *Engine) BackendPID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backendPID
}

// Ready reports whether the engine is connected, idle and able to accept
// a query.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateReady && e.activeQuery == nil && e.Connected.Get() == 1
}

// Done returns a channel closed when teardown completes.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// send serializes frontend messages and flushes them as one batch.
func (e *Engine) send(msgs ...pgproto3.FrontendMessage) error {
	e.mu.Lock()
	frontend := e.frontend
	t := e.transport
	e.mu.Unlock()
	if frontend == nil || t == nil {
		return ErrDisconnected
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	for _, m := range msgs {
		if err := frontend.Send(m); err != nil {
			return fmt.Errorf("engine: send %T: %w", m, err)
		}
	}
	if err := t.Flush(); err != nil {
		return fmt.Errorf("engine: flush: %w", err)
	}
	return nil
}

// fatal kills the connection: the active query and any pending futures
// fail, the pool learns about the disconnect, and teardown runs.
func (e *Engine) fatal(err error) {
	e.mu.Lock()
	q := e.activeQuery
	e.activeQuery = nil
	e.stopFlowLocked()
	wasConnected := e.Connected.Get() == 1 && !e.Connected.Finished()
	e.state = stateClosed
	e.mu.Unlock()

	if q != nil {
		q.CloseRows()
		q.Completed.Fail(ErrDisconnected)
	}
	e.Authenticated.Fail(err)
	e.Idle.Fail(err)
	if wasConnected {
		e.Connected.Set(0)
		if e.cfg.Pool != nil {
			e.cfg.Pool.EngineDisconnected(e)
		}
		if !errors.Is(err, ErrDisconnected) {
			e.log.Warn("connection failed", "err", err)
		}
	}
	e.Teardown()
}

// Teardown releases everything the engine owns, in a fixed order, each
// step tolerating the resource being already absent. Safe to call at any
// phase and more than once.
func (e *Engine) Teardown() {
	e.teardownOnce.Do(func() {
		e.mu.Lock()
		q := e.activeQuery
		e.activeQuery = nil
		e.stopFlowLocked()
		t := e.transport
		params := make([]*async.Observable[string], 0, len(e.params))
		for _, o := range e.params {
			params = append(params, o)
		}
		e.state = stateClosed
		e.mu.Unlock()

		if q != nil {
			q.CloseRows()
			q.Completed.Fail(ErrDisconnected)
		}
		e.Idle.Fail(ErrDisconnected)
		e.Authenticated.Fail(ErrDisconnected)
		if e.Connected.Get() == 1 {
			e.Connected.Set(0)
			if e.cfg.Pool != nil {
				e.cfg.Pool.EngineDisconnected(e)
			}
		}
		e.Connected.Finish()
		e.ReadyState.Finish()
		if t != nil {
			t.Flush()
			t.Close()
		}
		close(e.done)
		for _, o := range params {
			o.Finish()
		}
		e.mu.Lock()
		e.frontend = nil
		e.mu.Unlock()
		e.log.Debug("engine torn down")
	})
}

// Close is Teardown under the name callers expect.
func (e *Engine) Close() error {
	e.Teardown()
	return nil
}
