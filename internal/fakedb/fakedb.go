// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb holds types to fake an in-memory DB.
// Queries return a scripted set of rows; writes are recorded so tests
// can assert on the statements a client issued.
package fakedb // import "github.com/go-lpc/fadc/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
)

var script struct {
	mu     sync.Mutex
	rows   Rows
	lastID int64
	execs  []Exec
}

// Exec records one write statement issued through the fake driver.
type Exec struct {
	Query string
	Args  []driver.Value
}

// Run makes rows the scripted result set and calls f.
func Run(ctx context.Context, rows Rows, f func(ctx context.Context) error) error {
	script.mu.Lock()
	defer script.mu.Unlock()
	script.rows = rows

	return f(ctx)
}

// RunExec calls f with lastID as the id the fake driver assigns to
// inserts, and returns the write statements f issued.
func RunExec(ctx context.Context, lastID int64, f func(ctx context.Context) error) ([]Exec, error) {
	script.mu.Lock()
	defer script.mu.Unlock()
	script.lastID = lastID
	script.execs = nil

	err := f(ctx)
	return script.execs, err
}

func init() {
	sql.Register("fakedb", &Driver{})
}

type Driver struct{}

func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &Conn{}, nil
}

type Conn struct{}

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{query: query}, nil
}

func (c *Conn) Close() error {
	return nil
}

func (c *Conn) Begin() (driver.Tx, error) {
	panic("not implemented")
}

type Stmt struct {
	query string
}

func (stmt *Stmt) Close() error {
	return nil
}

// NumInput returns -1: the sql package will not sanity check
// argument counts before Exec or Query run.
func (stmt *Stmt) NumInput() int {
	return -1
}

func (stmt *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	script.execs = append(script.execs, Exec{
		Query: stmt.query,
		Args:  args,
	})
	return Result{id: script.lastID, rows: 1}, nil
}

func (stmt *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return &script.rows, nil
}

type Result struct {
	id   int64
	rows int64
}

func (res Result) LastInsertId() (int64, error) { return res.id, nil }
func (res Result) RowsAffected() (int64, error) { return res.rows, nil }

type Rows struct {
	Names  []string
	Values [][]driver.Value
}

func (rows *Rows) Columns() []string {
	return rows.Names
}

func (rows *Rows) Close() error {
	return nil
}

// Next pops the next scripted row, io.EOF once drained.
func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Conn   = (*Conn)(nil)
	_ driver.Stmt   = (*Stmt)(nil)
	_ driver.Result = Result{}
	_ driver.Rows   = (*Rows)(nil)
)
