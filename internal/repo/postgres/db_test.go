package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"testing"
)

// fakeDB scripts driver-level responses so the stores can be exercised
// without a postgres server. Statements are recorded in order for
// query-shape assertions.

type fakeResponse struct {
	err      error
	affected int64
	columns  []string
	rows     [][]driver.Value
}

type fakeConn struct {
	mu        sync.Mutex
	responses []fakeResponse
	queries   []string
	args      [][]driver.NamedValue
}

func newFakeDB(responses ...fakeResponse) (*sql.DB, *fakeConn) {
	conn := &fakeConn{responses: responses}
	return sql.OpenDB(fakeConnector{conn: conn}), conn
}

func (c *fakeConn) next(query string, args []driver.NamedValue) (fakeResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, query)
	c.args = append(c.args, args)
	if len(c.responses) == 0 {
		return fakeResponse{}, errors.New("no scripted response for statement")
	}
	response := c.responses[0]
	c.responses = c.responses[1:]
	return response, nil
}

func (c *fakeConn) lastQuery(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queries) == 0 {
		t.Fatal("no statement was issued")
	}
	return c.queries[len(c.queries)-1]
}

func (c *fakeConn) lastArgs(t *testing.T) []driver.NamedValue {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.args) == 0 {
		t.Fatal("no statement was issued")
	}
	return c.args[len(c.args)-1]
}

func (c *fakeConn) statementCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	response, err := c.next(query, args)
	if err != nil {
		return nil, err
	}
	if response.err != nil {
		return nil, response.err
	}
	return driver.RowsAffected(response.affected), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	response, err := c.next(query, args)
	if err != nil {
		return nil, err
	}
	if response.err != nil {
		return nil, response.err
	}
	return &fakeRows{columns: response.columns, rows: response.rows}, nil
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare not supported") }
func (c *fakeConn) Close() error                        { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)           { return nil, errors.New("tx not supported") }

type fakeRows struct {
	columns []string
	rows    [][]driver.Value
	cursor  int
}

func (r *fakeRows) Columns() []string { return r.columns }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.cursor >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.cursor])
	r.cursor++
	return nil
}

type fakeConnector struct {
	conn *fakeConn
}

func (c fakeConnector) Connect(context.Context) (driver.Conn, error) { return c.conn, nil }
func (c fakeConnector) Driver() driver.Driver                        { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("open by name not supported")
}
