package engine

import (
	"io"

	"github.com/jackc/pgproto3/v2"

	"github.com/pglink/pglink/internal/query"
)

// SimpleQuery runs sql through the simple-query protocol and returns the
// query whose Rows channel streams the result. Completion or failure
// arrives on the query's Completed future; the engine returns to ready on
// the server's next ReadyForQuery.
func (e *Engine) SimpleQuery(sql string) (*query.Query, error) {
	q := query.New(sql)
	if err := e.beginQuery(q); err != nil {
		return nil, err
	}
	if err := e.send(&pgproto3.Query{String: sql}); err != nil {
		e.abortQuery(q, err)
		return nil, err
	}
	return q, nil
}

// HandleQuery runs a query through the extended protocol using the unnamed
// statement and portal: Parse, Bind, Describe, Execute, then Close and Sync
// unless the query streams COPY input. For COPY IN the Close/Sync pair is
// deferred until the input source is exhausted.
//
// Frontend messages for one query reach the wire in exactly this order,
// and no new query may begin until the prior ReadyForQuery.
func (e *Engine) HandleQuery(q *query.Query) error {
	params := make([][]byte, len(q.Params))
	for i, p := range q.Params {
		b, err := e.textCodec().Encode(p)
		if err != nil {
			return err
		}
		params[i] = b
	}

	if err := e.beginQuery(q); err != nil {
		return err
	}

	msgs := []pgproto3.FrontendMessage{
		&pgproto3.Parse{Query: q.SQL},
		&pgproto3.Bind{Parameters: params},
		&pgproto3.Describe{ObjectType: 'P'},
		&pgproto3.Execute{},
	}
	if q.Input == nil {
		msgs = append(msgs, &pgproto3.Close{ObjectType: 'P'}, &pgproto3.Sync{})
	}
	if err := e.send(msgs...); err != nil {
		e.abortQuery(q, err)
		return err
	}
	return nil
}

// beginQuery installs q as the active query. Exactly one query may be
// active between its first frontend message and the next ReadyForQuery.
func (e *Engine) beginQuery(q *query.Query) error {
	e.mu.Lock()
	switch {
	case e.state == stateClosed:
		e.mu.Unlock()
		return ErrDisconnected
	case e.state != stateReady:
		e.mu.Unlock()
		return ErrNotReady
	case e.activeQuery != nil:
		e.mu.Unlock()
		return ErrBusy
	}
	e.activeQuery = q
	e.mu.Unlock()
	e.ReadyState.Set("")
	return nil
}

func (e *Engine) abortQuery(q *query.Query, err error) {
	e.mu.Lock()
	if e.activeQuery == q {
		e.activeQuery = nil
	}
	e.mu.Unlock()
	q.CloseRows()
	q.Completed.Fail(err)
}

func (e *Engine) textCodec() *TextCodec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.codec
}

// streamCopyIn drains the query's input source into CopyData messages,
// then completes the extended-query sequence the Bind left open.
func (e *Engine) streamCopyIn(q *query.Query) {
	finish := []pgproto3.FrontendMessage{
		&pgproto3.CopyDone{},
		&pgproto3.Close{ObjectType: 'P'},
		&pgproto3.Sync{},
	}
	if q.Input == nil {
		if err := e.send(finish...); err != nil {
			e.log.Warn("finishing empty copy stream", "err", err)
		}
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := q.Input.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := e.send(&pgproto3.CopyData{Data: data}); serr != nil {
				e.log.Warn("copy stream send failed", "err", serr)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			// Tell the server the copy is dead; its ErrorResponse fails
			// the query through the normal path.
			if serr := e.send(&pgproto3.CopyFail{Message: err.Error()}, &pgproto3.Sync{}); serr != nil {
				e.log.Warn("copy fail send failed", "err", serr)
			}
			return
		}
	}
	if err := e.send(finish...); err != nil {
		e.log.Warn("finishing copy stream", "err", err)
	}
}
