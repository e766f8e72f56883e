// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spcm

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client drives a digitizer service over its TCP/JSON control
// connection. The service binds the device to the connection, so a
// client owns the digitizer until it disconnects.
type Client struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Dial connects to the digitizer service at addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("spcm: could not dial service %q: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established control connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
}

// Close releases the digitizer and drops the control connection.
func (cli *Client) Close() error {
	err := cli.request("quit", nil, nil)
	if cerr := cli.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Configure programs the digitizer with the given settings and
// returns the resolved acquisition geometry.
func (cli *Client) Configure(s Settings) (ConfigReply, error) {
	var rep ConfigReply
	err := cli.request("configure", settingsArgs(s), &rep)
	return rep, err
}

func (cli *Client) Start() error        { return cli.request("start", nil, nil) }
func (cli *Client) Stop() error         { return cli.request("stop", nil, nil) }
func (cli *Client) Pause() error        { return cli.request("pause", nil, nil) }
func (cli *Client) Continue() error     { return cli.request("continue", nil, nil) }
func (cli *Client) Reset() error        { return cli.request("reset", nil, nil) }
func (cli *Client) ForceTrigger() error { return cli.request("force-trigger", nil, nil) }

// Status reports the current acquisition status of the digitizer.
func (cli *Client) Status() (Status, error) {
	var st Status
	err := cli.request("status", nil, &st)
	return st, err
}

// Trace fetches a snapshot of the cumulative average.
func (cli *Client) Trace() (Trace, error) {
	var rep TraceReply
	err := cli.request("trace", nil, &rep)
	if err != nil {
		return Trace{}, err
	}
	return Trace{
		Data:    rep.Data,
		Sweeps:  rep.Sweeps,
		Elapsed: time.Duration(rep.Elapsed * float64(time.Second)),
		Rising:  rep.Rising,
		Falling: rep.Falling,
	}, nil
}

// Constraints returns the bin widths the digitizer clock can realize.
func (cli *Client) Constraints() ([]time.Duration, error) {
	var rep struct {
		BinWidths []float64 `json:"binwidths_s"`
	}
	err := cli.request("constraints", nil, &rep)
	if err != nil {
		return nil, err
	}
	bws := make([]time.Duration, len(rep.BinWidths))
	for i, bw := range rep.BinWidths {
		bws[i] = time.Duration(bw * float64(time.Second))
	}
	return bws, nil
}

func (cli *Client) request(name string, args, data interface{}) error {
	req := struct {
		Name string      `json:"name"`
		Args interface{} `json:"args,omitempty"`
	}{name, args}

	err := cli.enc.Encode(req)
	if err != nil {
		return fmt.Errorf("spcm: could not send %q request: %w", name, err)
	}

	var rep struct {
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	err = cli.dec.Decode(&rep)
	if err != nil {
		return fmt.Errorf("spcm: could not decode %q reply: %w", name, err)
	}
	if rep.Msg != "ok" {
		return fmt.Errorf("%s", rep.Msg)
	}
	if data != nil && rep.Data != nil {
		err = json.Unmarshal(rep.Data, data)
		if err != nil {
			return fmt.Errorf("spcm: could not decode %q payload: %w", name, err)
		}
	}
	return nil
}

// settingsArgs converts settings to their JSON wire form.
func settingsArgs(s Settings) configArgs {
	args := configArgs{
		RangeMV:  s.RangeMV,
		OffsetMV: s.OffsetMV,
		Term:     s.Term,
		Coupling: s.Coupling,
		HWAvg:    s.HWAvg,
		PreTrig:  s.PreTrig,
		Loops:    s.Loops,
		NotifyB:  s.NotifyB,
		ClkRefHz: s.ClkRefHz,
		TrigLvl:  s.TrigLvlMV,
		Gated:    s.Gated,
		Gates:    s.Gates,
		BinW:     s.BinWidth.Seconds(),
		RecLen:   s.RecordLen.Seconds(),
		BufLenS:  s.BufLenS,
		Backlog:  s.Backlog,
	}
	if s.Mode != 0 {
		args.Mode = s.Mode.String()
	}
	if s.Trig != 0 {
		args.Trig = s.Trig.String()
	}
	return args
}
