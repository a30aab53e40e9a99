package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var errTest = errors.New("test error")

type fakeResult struct {
	affected int64
}

func (fakeResult) LastInsertId() (int64, error)  { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *[]byte:
			if r.values[i] == nil {
				*d = nil
				continue
			}
			*d = r.values[i].([]byte)
		case *time.Time:
			*d = r.values[i].(time.Time)
		case *bool:
			*d = r.values[i].(bool)
		case *int:
			*d = r.values[i].(int)
		default:
			// ignore unsupported
		}
	}
	return nil
}

// fakeConn returns rows in order, then row for every later call. Exec calls
// report affected rows from affected, defaulting to 1.
type fakeConn struct {
	row       rowScanner
	rows      []rowScanner
	execErr   error
	affected  []int64
	execCalls int

	queries     []string
	queryArgs   [][]any
	execQueries []string
	execArgs    [][]any
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.execQueries = append(c.execQueries, query)
	c.execArgs = append(c.execArgs, args)
	c.execCalls++
	if c.execErr != nil {
		return fakeResult{}, c.execErr
	}
	n := int64(1)
	if idx := c.execCalls - 1; idx < len(c.affected) {
		n = c.affected[idx]
	}
	return fakeResult{affected: n}, nil
}

func (c *fakeConn) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	c.queries = append(c.queries, query)
	c.queryArgs = append(c.queryArgs, args)
	if len(c.rows) > 0 {
		r := c.rows[0]
		c.rows = c.rows[1:]
		return r
	}
	if c.row == nil {
		return fakeRow{err: sql.ErrNoRows}
	}
	return c.row
}

func (c *fakeConn) lastQuery() string {
	if len(c.queries) == 0 {
		return ""
	}
	return c.queries[len(c.queries)-1]
}

func (c *fakeConn) lastExecArgs() []any {
	if len(c.execArgs) == 0 {
		return nil
	}
	return c.execArgs[len(c.execArgs)-1]
}
