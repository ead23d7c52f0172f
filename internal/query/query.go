// Package query defines the unit of work handed to an engine: the SQL text,
// its bind parameters, and the channels and futures through which results
// flow back to the caller.
package query

import (
	"io"
	"sync"

	"github.com/pglink/pglink/internal/async"
)

// Row is one result tuple, fields decoded to the client text encoding.
// A NULL field is an empty string with no way to distinguish it from ''
// at this layer; typed interpretation is a caller concern.
type Row []string

// Field describes one column of a result set.
type Field struct {
	Name        string
	TableOID    uint32
	AttrNumber  uint16
	DataTypeOID uint32
	TypeSize    int16
	TypeMod     int32
	Format      int16
}

// Query carries one statement through an engine. Rows is the row sink: the
// engine sends each decoded tuple and closes the channel when the result
// set ends. Completed settles with the command tag on success or the error
// that terminated the query.
type Query struct {
	SQL    string
	Params []string

	// Rows receives decoded tuples. Closed by the engine when the query
	// finishes, successfully or not.
	Rows chan Row

	// Completed settles with the command tag (e.g. "SELECT 1") or fails.
	Completed *async.Future[string]

	// ReadyToStream resolves when the server has accepted a COPY ... FROM
	// STDIN and the engine is about to drain Input.
	ReadyToStream *async.Future[struct{}]

	// Input, when non-nil, marks the query as a streaming COPY IN: the
	// engine reads it to exhaustion and forwards the bytes as CopyData.
	Input io.Reader

	// FlowControl carries consumer backpressure signals: false pauses
	// socket reads, true resumes them. Optional.
	FlowControl chan bool

	mu        sync.Mutex
	desc      []Field
	closeOnce sync.Once
}

// New builds a query with an unbounded-enough row buffer for streaming
// delivery; callers that fall behind should use FlowControl.
func New(sql string, params ...string) *Query {
	return &Query{
		SQL:           sql,
		Params:        params,
		Rows:          make(chan Row, 64),
		Completed:     async.NewFuture[string](),
		ReadyToStream: async.NewFuture[struct{}](),
		FlowControl:   make(chan bool, 1),
	}
}

// Description returns the row description, nil until the server sends one.
func (q *Query) Description() []Field {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.desc
}

// SetDescription attaches the row description. Called by the engine.
func (q *Query) SetDescription(fields []Field) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.desc = fields
}

// CloseRows finishes the row sink. Safe to call more than once; the engine
// closes the sink before (or at the same tick as) settling Completed.
func (q *Query) CloseRows() {
	q.closeOnce.Do(func() { close(q.Rows) })
}
