package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgproto3/v2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/pglink/pglink/internal/conninfo"
	"github.com/pglink/pglink/internal/query"
)

// recordingPool captures collaborator callbacks for assertions.
type recordingPool struct {
	mu            sync.Mutex
	ready         int
	disconnected  int
	notifications []string
}

func (p *recordingPool) EngineReady(e *Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready++
}

func (p *recordingPool) EngineDisconnected(e *Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected++
}

func (p *recordingPool) Notification(e *Engine, channel, payload string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, channel+"="+payload)
}

func (p *recordingPool) snapshot() (int, int, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready, p.disconnected, append([]string(nil), p.notifications...)
}

// startServer runs a single-connection mock backend and returns the
// ConnInfo pointing at it. sslmode=disable keeps the exchange plaintext.
func startServer(t *testing.T, serve func(backend *pgproto3.Backend, conn net.Conn)) *conninfo.ConnInfo {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
		serve(backend, conn)
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	info, err := conninfo.ParseURI(fmt.Sprintf("postgresql://alice@127.0.0.1:%d/appdb?sslmode=disable", port))
	if err != nil {
		t.Fatalf("parsing test URI: %v", err)
	}
	return info
}

func acceptStartup(t *testing.T, backend *pgproto3.Backend) *pgproto3.StartupMessage {
	t.Helper()
	msg, err := backend.ReceiveStartupMessage()
	if err != nil {
		t.Errorf("receiving startup message: %v", err)
		return nil
	}
	sm, ok := msg.(*pgproto3.StartupMessage)
	if !ok {
		t.Errorf("expected StartupMessage, got %T", msg)
		return nil
	}
	return sm
}

func finishStartup(backend *pgproto3.Backend) {
	backend.Send(&pgproto3.AuthenticationOk{})
	backend.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "16.2"})
	backend.Send(&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"})
	backend.Send(&pgproto3.BackendKeyData{ProcessID: 42, SecretKey: 99})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

func sendSelectOneResult(backend *pgproto3.Backend) {
	backend.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
		{Name: []byte("value"), DataTypeOID: 23, DataTypeSize: 4},
	}})
	backend.Send(&pgproto3.DataRow{Values: [][]byte{[]byte("1")}})
	backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

// serveSimpleQueries answers every simple query: SELECT 1/0 fails with a
// division error, anything else returns one row.
func serveSimpleQueries(backend *pgproto3.Backend) {
	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *pgproto3.Query:
			if strings.Contains(m.String, "1/0") {
				backend.Send(&pgproto3.ErrorResponse{
					Severity: "ERROR",
					Code:     pgerrcode.DivisionByZero,
					Message:  "division by zero",
				})
				backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
				continue
			}
			sendSelectOneResult(backend)
		case *pgproto3.Terminate:
			return
		}
	}
}

func connectEngine(t *testing.T, info *conninfo.ConnInfo, pool Collaborator) *Engine {
	t.Helper()
	e, err := New(Config{Info: info, Pool: pool})
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func waitReady(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Ready() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("engine never returned to ready")
}

func collectRows(t *testing.T, q *query.Query) []query.Row {
	t.Helper()
	var rows []query.Row
	timeout := time.After(2 * time.Second)
	for {
		select {
		case row, ok := <-q.Rows:
			if !ok {
				return rows
			}
			rows = append(rows, row)
		case <-timeout:
			t.Fatalf("timed out draining rows")
		}
	}
}

func TestConnectAndSimpleQuery(t *testing.T) {
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		finishStartup(backend)
		serveSimpleQueries(backend)
	})

	pool := &recordingPool{}
	e := connectEngine(t, info, pool)

	if got := e.Connected.Get(); got != 1 {
		t.Errorf("connected = %d, want 1", got)
	}
	if !e.Authenticated.Settled() {
		t.Error("authenticated future not settled after connect")
	}
	if got := e.ReadyState.Get(); got != "I" {
		t.Errorf("ready state = %q, want I", got)
	}
	if got := e.ParameterValue("server_version"); got != "16.2" {
		t.Errorf("server_version = %q", got)
	}
	if got := e.BackendPID(); got != 42 {
		t.Errorf("backend pid = %d", got)
	}

	q, err := e.SimpleQuery("SELECT 1 AS value")
	if err != nil {
		t.Fatalf("simple query: %v", err)
	}

	rows := collectRows(t, q)
	if len(rows) != 1 || rows[0][0] != "1" {
		t.Fatalf("rows = %v, want [[1]]", rows)
	}
	desc := q.Description()
	if len(desc) != 1 || desc[0].Name != "value" {
		t.Errorf("description = %+v", desc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tag, err := q.Completed.Wait(ctx)
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if tag != "SELECT 1" {
		t.Errorf("command tag = %q", tag)
	}

	waitReady(t, e)
	ready, _, _ := pool.snapshot()
	if ready < 2 {
		t.Errorf("pool saw %d ready notifications, want >= 2", ready)
	}
}

func TestServerErrorThenRecovery(t *testing.T) {
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		finishStartup(backend)
		serveSimpleQueries(backend)
	})

	e := connectEngine(t, info, &recordingPool{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		q, err := e.SimpleQuery("SELECT 1/0")
		if err != nil {
			t.Fatalf("iteration %d: starting query: %v", i, err)
		}
		collectRows(t, q)
		_, err = q.Completed.Wait(ctx)
		var serr *ServerError
		if !errors.As(err, &serr) {
			t.Fatalf("iteration %d: error = %v, want ServerError", i, err)
		}
		if serr.Code != pgerrcode.DivisionByZero {
			t.Errorf("iteration %d: SQLSTATE = %q, want 22012", i, serr.Code)
		}
		if serr.Severity != "ERROR" {
			t.Errorf("iteration %d: severity = %q", i, serr.Severity)
		}

		waitReady(t, e)

		q, err = e.SimpleQuery("SELECT 1")
		if err != nil {
			t.Fatalf("iteration %d: recovery query: %v", i, err)
		}
		rows := collectRows(t, q)
		if tag, err := q.Completed.Wait(ctx); err != nil || tag != "SELECT 1" {
			t.Fatalf("iteration %d: recovery completed = %q, %v", i, tag, err)
		}
		if len(rows) != 1 || rows[0][0] != "1" {
			t.Fatalf("iteration %d: recovery rows = %v", i, rows)
		}
		waitReady(t, e)
	}

	if e.Connected.Get() != 1 {
		t.Error("connection did not survive the error/recovery loop")
	}
}

func TestBusyGuard(t *testing.T) {
	release := make(chan struct{})
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		finishStartup(backend)
		for {
			msg, err := backend.Receive()
			if err != nil {
				return
			}
			if _, ok := msg.(*pgproto3.Query); ok {
				<-release
				sendSelectOneResult(backend)
			}
		}
	})

	e := connectEngine(t, info, &recordingPool{})

	q1, err := e.SimpleQuery("SELECT pg_sleep(60)")
	if err != nil {
		t.Fatalf("first query: %v", err)
	}
	if _, err := e.SimpleQuery("SELECT 2"); !errors.Is(err, ErrBusy) {
		t.Errorf("second query error = %v, want ErrBusy", err)
	}

	close(release)
	collectRows(t, q1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := q1.Completed.Wait(ctx); err != nil {
		t.Fatalf("first query completed: %v", err)
	}
}

func TestAlreadyConnected(t *testing.T) {
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		finishStartup(backend)
		serveSimpleQueries(backend)
	})

	e := connectEngine(t, info, &recordingPool{})
	if err := e.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second connect error = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	info, err := conninfo.ParseURI(fmt.Sprintf("postgresql://127.0.0.1:%d/db?sslmode=disable", port))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		e, err := New(Config{Info: info})
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = e.Connect(ctx)
		cancel()
		var cerr *ConnectError
		if !errors.As(err, &cerr) {
			t.Fatalf("iteration %d: error = %v, want ConnectError", i, err)
		}
		e.Close()
	}
}

func TestConnectCancelledWhileAwaitingSSLResponse(t *testing.T) {
	// Server accepts and never responds; with sslmode=prefer the engine is
	// blocked reading the one-byte SSL response when the timeout fires.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Swallow the SSLRequest, never reply.
			go io.CopyN(io.Discard, conn, 8)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	info, err := conninfo.ParseURI(fmt.Sprintf("postgresql://127.0.0.1:%d/db?sslmode=prefer", port))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		e, err := New(Config{Info: info})
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		err = e.Connect(ctx)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("iteration %d: error = %v, want DeadlineExceeded", i, err)
		}
		// Teardown must be idempotent.
		e.Close()
		e.Close()
		if !e.Connected.Finished() {
			t.Fatal("connected observable not finished after teardown")
		}
	}
}

func TestExtendedQueryMessageOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
		bound [][]byte
	)
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		finishStartup(backend)
		for {
			msg, err := backend.Receive()
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, fmt.Sprintf("%T", msg))
			if b, ok := msg.(*pgproto3.Bind); ok {
				for _, p := range b.Parameters {
					bound = append(bound, append([]byte(nil), p...))
				}
			}
			mu.Unlock()
			if _, ok := msg.(*pgproto3.Sync); ok {
				backend.Send(&pgproto3.ParseComplete{})
				backend.Send(&pgproto3.BindComplete{})
				backend.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
					{Name: []byte("value"), DataTypeOID: 23, DataTypeSize: 4},
				}})
				backend.Send(&pgproto3.DataRow{Values: [][]byte{[]byte("1")}})
				backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
				backend.Send(&pgproto3.CloseComplete{})
				backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
				return
			}
		}
	})

	e := connectEngine(t, info, &recordingPool{})

	q := query.New("SELECT $1::int AS value", "42")
	if err := e.HandleQuery(q); err != nil {
		t.Fatalf("handle query: %v", err)
	}

	rows := collectRows(t, q)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if tag, err := q.Completed.Wait(ctx); err != nil || tag != "SELECT 1" {
		t.Fatalf("completed = %q, %v", tag, err)
	}
	if len(rows) != 1 || rows[0][0] != "1" {
		t.Fatalf("rows = %v", rows)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"*pgproto3.Parse",
		"*pgproto3.Bind",
		"*pgproto3.Describe",
		"*pgproto3.Execute",
		"*pgproto3.Close",
		"*pgproto3.Sync",
	}
	if len(order) != len(want) {
		t.Fatalf("message order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("message order = %v, want %v", order, want)
		}
	}
	if len(bound) != 1 || string(bound[0]) != "42" {
		t.Errorf("bound parameters = %q", bound)
	}
}

func TestCopyInStreaming(t *testing.T) {
	payload := "1,alpha\n2,beta\n"
	var (
		mu       sync.Mutex
		received bytes.Buffer
		tail     []string
	)
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		finishStartup(backend)
		for {
			msg, err := backend.Receive()
			if err != nil {
				return
			}
			switch m := msg.(type) {
			case *pgproto3.Execute:
				backend.Send(&pgproto3.CopyInResponse{ColumnFormatCodes: []uint16{0, 0}})
			case *pgproto3.CopyData:
				mu.Lock()
				received.Write(m.Data)
				mu.Unlock()
			case *pgproto3.CopyDone, *pgproto3.Close, *pgproto3.Sync:
				mu.Lock()
				tail = append(tail, fmt.Sprintf("%T", msg))
				mu.Unlock()
				if _, ok := msg.(*pgproto3.Sync); ok {
					backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("COPY 2")})
					backend.Send(&pgproto3.CloseComplete{})
					backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
				}
			}
		}
	})

	e := connectEngine(t, info, &recordingPool{})

	q := query.New("COPY items FROM STDIN WITH (FORMAT csv)")
	q.Input = strings.NewReader(payload)
	if err := e.HandleQuery(q); err != nil {
		t.Fatalf("handle query: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := q.ReadyToStream.Wait(ctx); err != nil {
		t.Fatalf("ready to stream: %v", err)
	}
	tag, err := q.Completed.Wait(ctx)
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if tag != "COPY 2" {
		t.Errorf("command tag = %q", tag)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.String() != payload {
		t.Errorf("copy payload = %q, want %q", received.String(), payload)
	}
	wantTail := []string{"*pgproto3.CopyDone", "*pgproto3.Close", "*pgproto3.Sync"}
	if len(tail) != len(wantTail) {
		t.Fatalf("copy tail = %v, want %v", tail, wantTail)
	}
	for i := range wantTail {
		if tail[i] != wantTail[i] {
			t.Fatalf("copy tail = %v, want %v", tail, wantTail)
		}
	}
}

func TestStrayDataRowDiscarded(t *testing.T) {
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		backend.Send(&pgproto3.AuthenticationOk{})
		// A row with no query in flight must be discarded with a warning.
		backend.Send(&pgproto3.DataRow{Values: [][]byte{[]byte("stray")}})
		backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		serveSimpleQueries(backend)
	})

	e := connectEngine(t, info, &recordingPool{})

	q, err := e.SimpleQuery("SELECT 1")
	if err != nil {
		t.Fatalf("simple query: %v", err)
	}
	rows := collectRows(t, q)
	if len(rows) != 1 || rows[0][0] != "1" {
		t.Fatalf("rows = %v, stray row leaked into the result", rows)
	}
}

func TestNotificationForwarding(t *testing.T) {
	ready := make(chan struct{})
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		finishStartup(backend)
		<-ready
		backend.Send(&pgproto3.NotificationResponse{PID: 42, Channel: "jobs", Payload: "wake"})
		serveSimpleQueries(backend)
	})

	pool := &recordingPool{}
	e := connectEngine(t, info, pool)
	_ = e
	close(ready)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, n := pool.snapshot(); len(n) > 0 {
			if n[0] != "jobs=wake" {
				t.Fatalf("notification = %q", n[0])
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("notification never reached the collaborator")
}

func TestDisconnectFailsActiveQuery(t *testing.T) {
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		finishStartup(backend)
		// Drop the connection mid-query.
		if _, err := backend.Receive(); err != nil {
			return
		}
		conn.Close()
	})

	pool := &recordingPool{}
	e := connectEngine(t, info, pool)

	q, err := e.SimpleQuery("SELECT 1")
	if err != nil {
		t.Fatalf("simple query: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := q.Completed.Wait(ctx); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("completed error = %v, want ErrDisconnected", err)
	}
	collectRows(t, q)

	if e.Connected.Get() != 0 {
		t.Error("connected should be 0 after EOF")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, d, _ := pool.snapshot(); d == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Error("pool never saw the disconnect")
}

// scramMockExchange implements the server side of SCRAM-SHA-256 for a
// known password, optionally lying about the final signature.
func scramMockExchange(t *testing.T, backend *pgproto3.Backend, password string, lie bool) bool {
	t.Helper()
	backend.Send(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}})
	backend.SetAuthType(pgproto3.AuthTypeSASL)

	msg, err := backend.Receive()
	if err != nil {
		t.Errorf("receiving SASL initial response: %v", err)
		return false
	}
	initial, ok := msg.(*pgproto3.SASLInitialResponse)
	if !ok {
		t.Errorf("expected SASLInitialResponse, got %T", msg)
		return false
	}
	if initial.AuthMechanism != "SCRAM-SHA-256" {
		t.Errorf("mechanism = %q", initial.AuthMechanism)
		return false
	}
	clientFirst := string(initial.Data)
	if !strings.HasPrefix(clientFirst, "n,,n=,r=") {
		t.Errorf("client-first-message = %q", clientFirst)
		return false
	}
	clientFirstBare := clientFirst[3:]
	clientNonce := strings.TrimPrefix(clientFirstBare, "n=,r=")

	serverNonce := clientNonce + "srvnonce"
	salt := []byte("0123456789abcdef")
	iterations := 4096
	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d",
		serverNonce, base64.StdEncoding.EncodeToString(salt), iterations)

	backend.Send(&pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirst)})
	backend.SetAuthType(pgproto3.AuthTypeSASLContinue)

	msg, err = backend.Receive()
	if err != nil {
		t.Errorf("receiving SASL response: %v", err)
		return false
	}
	resp, ok := msg.(*pgproto3.SASLResponse)
	if !ok {
		t.Errorf("expected SASLResponse, got %T", msg)
		return false
	}

	// Independently derive the expected proof.
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientFinalWithoutProof := "c=biws,r=" + serverNonce
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	wantProof := base64.StdEncoding.EncodeToString(xorBytes(clientKey, clientSignature))

	clientFinal := string(resp.Data)
	if !strings.HasSuffix(clientFinal, ",p="+wantProof) {
		t.Errorf("client-final-message %q does not carry expected proof", clientFinal)
		return false
	}
	if !strings.HasPrefix(clientFinal, clientFinalWithoutProof+",") {
		t.Errorf("client-final-message = %q, want prefix %q", clientFinal, clientFinalWithoutProof)
		return false
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSig := base64.StdEncoding.EncodeToString(hmacSHA256(serverKey, []byte(authMessage)))
	if lie {
		serverSig = base64.StdEncoding.EncodeToString([]byte("not-the-real-signature!!"))
	}
	backend.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte("v=" + serverSig)})
	return true
}

func TestScramAuthentication(t *testing.T) {
	const password = "example-password"
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		if !scramMockExchange(t, backend, password, false) {
			return
		}
		finishStartup(backend)
		serveSimpleQueries(backend)
	})

	e, err := New(Config{Info: info, Password: password})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("connect with SCRAM: %v", err)
	}
	defer e.Close()

	q, err := e.SimpleQuery("SELECT 1 AS value")
	if err != nil {
		t.Fatalf("query after SCRAM: %v", err)
	}
	rows := collectRows(t, q)
	if len(rows) != 1 || rows[0][0] != "1" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestScramServerSignatureMismatch(t *testing.T) {
	const password = "example-password"
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		scramMockExchange(t, backend, password, true)
	})

	e, err := New(Config{Info: info, Password: password})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Connect(ctx); !errors.Is(err, ErrScramServerSignatureMismatch) {
		t.Fatalf("connect error = %v, want ErrScramServerSignatureMismatch", err)
	}
}

func TestCleartextAuthentication(t *testing.T) {
	const password = "s3cret"
	got := make(chan string, 1)
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		backend.Send(&pgproto3.AuthenticationCleartextPassword{})
		backend.SetAuthType(pgproto3.AuthTypeCleartextPassword)
		msg, err := backend.Receive()
		if err != nil {
			return
		}
		pm, ok := msg.(*pgproto3.PasswordMessage)
		if !ok {
			t.Errorf("expected PasswordMessage, got %T", msg)
			return
		}
		got <- pm.Password
		finishStartup(backend)
		serveSimpleQueries(backend)
	})

	e, err := New(Config{Info: info, Password: password})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer e.Close()
	if pw := <-got; pw != password {
		t.Errorf("server received password %q, want %q", pw, password)
	}
}

func TestMD5Authentication(t *testing.T) {
	const password = "s3cret"
	salt := [4]byte{0x01, 0x02, 0x03, 0x04}
	got := make(chan string, 1)
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		backend.Send(&pgproto3.AuthenticationMD5Password{Salt: salt})
		backend.SetAuthType(pgproto3.AuthTypeMD5Password)
		msg, err := backend.Receive()
		if err != nil {
			return
		}
		pm, ok := msg.(*pgproto3.PasswordMessage)
		if !ok {
			t.Errorf("expected PasswordMessage, got %T", msg)
			return
		}
		got <- pm.Password
		finishStartup(backend)
	})

	e, err := New(Config{Info: info, Password: password})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer e.Close()

	want := computeMD5Password(info.User, password, salt[:])
	if digest := <-got; digest != want {
		t.Errorf("md5 digest = %q, want %q", digest, want)
	}
}

func TestUnsupportedAuthMechanism(t *testing.T) {
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		backend.Send(&pgproto3.AuthenticationGSS{})
	})

	e, err := New(Config{Info: info})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = e.Connect(ctx)
	var uerr *UnsupportedAuthError
	if !errors.As(err, &uerr) {
		t.Fatalf("connect error = %v, want UnsupportedAuthError", err)
	}
}

func TestAuthFailureDuringStartup(t *testing.T) {
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		backend.Send(&pgproto3.ErrorResponse{
			Severity: "FATAL",
			Code:     pgerrcode.InvalidPassword,
			Message:  "password authentication failed",
		})
	})

	e, err := New(Config{Info: info, Password: "wrong"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = e.Connect(ctx)
	var serr *ServerError
	if !errors.As(err, &serr) {
		t.Fatalf("connect error = %v, want ServerError", err)
	}
	if serr.Code != pgerrcode.InvalidPassword {
		t.Errorf("SQLSTATE = %q", serr.Code)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		finishStartup(backend)
		serveSimpleQueries(backend)
	})

	e := connectEngine(t, info, &recordingPool{})
	e.Close()
	e.Close()
	e.Teardown()

	if !e.Connected.Finished() {
		t.Error("connected observable not finished")
	}
	if e.Connected.Get() != 0 {
		t.Error("connected should read 0 after teardown")
	}
	if o := e.Parameter("server_version"); o != nil && !o.Finished() {
		t.Error("parameter observables not finished")
	}
	if _, err := e.SimpleQuery("SELECT 1"); !errors.Is(err, ErrDisconnected) {
		t.Errorf("query after teardown = %v, want ErrDisconnected", err)
	}
}

func TestFlowControlTogglesReads(t *testing.T) {
	const rowCount = 50
	info := startServer(t, func(backend *pgproto3.Backend, conn net.Conn) {
		if acceptStartup(t, backend) == nil {
			return
		}
		finishStartup(backend)
		msg, err := backend.Receive()
		if err != nil {
			return
		}
		if _, ok := msg.(*pgproto3.Query); !ok {
			return
		}
		backend.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			{Name: []byte("n"), DataTypeOID: 23},
		}})
		for i := 0; i < rowCount; i++ {
			backend.Send(&pgproto3.DataRow{Values: [][]byte{[]byte(fmt.Sprint(i))}})
		}
		backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", rowCount))})
		backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	})

	e := connectEngine(t, info, &recordingPool{})

	q, err := e.SimpleQuery("SELECT generate_series(1, 50)")
	if err != nil {
		t.Fatalf("simple query: %v", err)
	}

	// Pause, drain a few rows, resume; the stream must still complete.
	q.FlowControl <- false
	var rows []query.Row
	for i := 0; i < 5; i++ {
		select {
		case row := <-q.Rows:
			rows = append(rows, row)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for buffered rows while paused")
		}
	}
	q.FlowControl <- true

	timeout := time.After(5 * time.Second)
	for {
		select {
		case row, ok := <-q.Rows:
			if !ok {
				if len(rows) != rowCount {
					t.Fatalf("delivered %d rows, want %d", len(rows), rowCount)
				}
				return
			}
			rows = append(rows, row)
		case <-timeout:
			t.Fatalf("timed out after %d rows", len(rows))
		}
	}
}
