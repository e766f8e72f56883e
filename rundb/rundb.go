// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rundb holds types to record digitizer acquisitions into the
// run bookkeeping database.
package rundb // import "github.com/go-lpc/fadc/rundb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// Run describes one recorded acquisition.
type Run struct {
	ID       int64
	Device   string
	Mode     string
	BinWidth float64 // seconds
	Sweeps   uint64
	State    string
}

// DB exposes convenience methods to record and retrieve digitizer
// runs from the bookkeeping database.
type DB struct {
	db   *sql.DB
	name string // name of the bookkeeping database
}

// Open opens a connection to the bookkeeping database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("rundb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("rundb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("rundb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// LastRun returns the number of the most recent run on record.
func (db *DB) LastRun(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var run int64
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT run FROM runs ORDER BY run DESC LIMIT 1",
	)
	if err != nil {
		return run, fmt.Errorf("rundb: could not query last run: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(&run)
		if err != nil {
			return run, fmt.Errorf("rundb: could not get last run value: %w", err)
		}
	}

	if err := rows.Err(); err != nil {
		return run, fmt.Errorf("rundb: could not scan db for last run: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return run, fmt.Errorf("rundb: context error while retrieving last run: %w", err)
	}

	return run, nil
}

// NewRun records the start of an acquisition and returns the run
// number the database assigned to it.
func (db *DB) NewRun(ctx context.Context, device, mode string, binw float64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := db.db.ExecContext(
		ctx,
		"INSERT INTO runs (device, mode, binwidth, sweeps, state) VALUES (?, ?, ?, ?, ?)",
		device, mode, binw, 0, "running",
	)
	if err != nil {
		return 0, fmt.Errorf("rundb: could not insert run: %w", err)
	}

	run, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("rundb: could not get run number: %w", err)
	}

	return run, nil
}

// CloseRun records the end of run with its final sweep count and
// state.
func (db *DB) CloseRun(ctx context.Context, run int64, sweeps uint64, state string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		"UPDATE runs SET sweeps=?, state=? WHERE run=?",
		sweeps, state, run,
	)
	if err != nil {
		return fmt.Errorf("rundb: could not close run %d: %w", run, err)
	}

	return nil
}

// Runs returns the n most recent runs on record.
func (db *DB) Runs(ctx context.Context, n int) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var runs []Run
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT run, device, mode, binwidth, sweeps, state FROM runs ORDER BY run DESC LIMIT ?",
		n,
	)
	if err != nil {
		return runs, fmt.Errorf("rundb: could not query runs: %w", err)
	}
	defer rows.Close()

	i := 0
	for rows.Next() {
		var run Run
		err = rows.Scan(
			&run.ID, &run.Device, &run.Mode,
			&run.BinWidth, &run.Sweeps, &run.State,
		)
		if err != nil {
			return runs, fmt.Errorf("rundb: could not scan row %d for runs: %w", i, err)
		}
		i++

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return runs, fmt.Errorf("rundb: could not scan db for runs: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return runs, fmt.Errorf("rundb: context error while retrieving runs: %w", err)
	}

	return runs, nil
}
