// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command fadc-ctl supervises runs on a fadc-svc service: it starts
// and stops acquisitions on behalf of its clients and raises alerts
// when a run stalls.
package main // import "github.com/go-lpc/fadc/cmd/fadc-ctl"

import (
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-lpc/fadc/spcm"
	mail "gopkg.in/gomail.v2"
)

func main() {
	var (
		addr    = flag.String("addr", ":8866", "[ip]:port to listen on")
		svcAddr = flag.String("svc-addr", ":8872", "fadc-svc [address]:port to dial")
		freq    = flag.Duration("freq", 30*time.Second, "probing interval")
	)

	flag.Parse()

	log.SetPrefix("fadc-ctl: ")
	log.SetFlags(0)

	run(*addr, *svcAddr, *freq)
}

func run(addr, svcAddr string, freq time.Duration) {
	srv, err := newServer(addr, svcAddr, freq)
	if err != nil {
		log.Fatalf("could not create server: %+v", err)
	}
	log.Printf("running fadc-ctl server on %q...", addr)
	srv.run()
}

type server struct {
	conn net.Listener

	mu  sync.Mutex
	svc *spcm.Client // live connection to the fadc-svc service

	svcAddr string
	freq    time.Duration
	alerts  map[string]int // keep track of the number of alerts per run
}

func newServer(addr, svcAddr string, freq time.Duration) (*server, error) {
	srv, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen on %q: %w", addr, err)
	}
	return &server{
		conn:    srv,
		svcAddr: svcAddr,
		freq:    freq,
		alerts:  make(map[string]int),
	}, nil
}

func (srv *server) run() {
	defer srv.conn.Close()

	for {
		conn, err := srv.conn.Accept()
		if err != nil {
			log.Printf("could not accept connection: %+v", err)
		}
		go srv.handle(conn)
	}
}

func (srv *server) handle(conn net.Conn) {
	defer conn.Close()
	done := make(chan int)
	defer close(done)

	for {
		var (
			req Request
			err = json.NewDecoder(conn).Decode(&req)
		)
		if err != nil {
			log.Printf("could not decode command: %+v", err)
			return
		}
		switch req.Name {
		case "start":
			log.Printf("starting run... %v", req.Args)
			var settings spcm.Settings
			if len(req.Args) > 0 {
				settings, err = loadSettings(req.Args[0])
				if err != nil {
					log.Printf("could not load settings: %+v", err)
					_ = json.NewEncoder(conn).Encode(Reply{Err: err.Error()})
					return
				}
			}
			err = srv.startRun(settings)
			if err != nil {
				log.Printf("could not start run: %+v", err)
				_ = json.NewEncoder(conn).Encode(Reply{Err: err.Error()})
				return
			}
			_ = json.NewEncoder(conn).Encode(Reply{Msg: "ok"})
			log.Printf("starting run... [done]")

			run := time.Now().UTC().Format("2006-01-02T15:04:05Z")
			go srv.monitor(run, done)

		case "stop":
			log.Printf("stopping run...")
			err = srv.stopRun()
			if err != nil {
				log.Printf("could not stop run: %+v", err)
				_ = json.NewEncoder(conn).Encode(Reply{Err: err.Error()})
				return
			}
			_ = json.NewEncoder(conn).Encode(Reply{Msg: "ok"})
			log.Printf("stopping run... [done]")
			return

		default:
			log.Printf("unknown command %q", req.Name)
			_ = json.NewEncoder(conn).Encode(Reply{Err: "unknown command"})
		}
	}
}

type Request struct {
	Name string   `json:"cmd"`
	Args []string `json:"args"`
}

type Reply struct {
	Msg string `json:"msg"`
	Err string `json:"err,omitempty"`
}

func loadSettings(fname string) (spcm.Settings, error) {
	f, err := os.Open(fname)
	if err != nil {
		return spcm.Settings{}, fmt.Errorf("could not open settings file: %w", err)
	}
	defer f.Close()

	return spcm.ParseSettings(f)
}

func (srv *server) startRun(settings spcm.Settings) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.svc != nil {
		return fmt.Errorf("a run is already in progress")
	}

	svc, err := spcm.Dial(srv.svcAddr)
	if err != nil {
		return fmt.Errorf("could not dial fadc-svc %q: %w", srv.svcAddr, err)
	}

	cfg, err := svc.Configure(settings)
	if err != nil {
		_ = svc.Close()
		return fmt.Errorf("could not configure digitizer: %w", err)
	}
	log.Printf("configured: mode=%v seg=%d samples ring=%d reps",
		cfg.Mode, cfg.SegSize, cfg.Reps,
	)

	err = svc.Start()
	if err != nil {
		_ = svc.Close()
		return fmt.Errorf("could not start acquisition: %w", err)
	}

	srv.svc = svc
	return nil
}

func (srv *server) stopRun() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.svc == nil {
		return fmt.Errorf("no run in progress")
	}
	defer func() {
		_ = srv.svc.Close()
		srv.svc = nil
	}()

	err := srv.svc.Stop()
	if err != nil {
		return fmt.Errorf("could not stop acquisition: %w", err)
	}

	st, err := srv.svc.Status()
	if err == nil {
		log.Printf("run stopped: sweeps=%d elapsed=%v", st.Sweeps, st.Elapsed)
	}
	return nil
}

func (srv *server) monitor(run string, quit chan int) {
	var (
		tick   = time.NewTicker(srv.freq)
		sweeps uint64
	)
	defer tick.Stop()

	for {
		select {
		case <-quit:
			return
		case <-tick.C:
			st, err := srv.probe()
			if err != nil {
				log.Printf("could not probe run status: %+v", err)
				continue
			}
			switch {
			case st.State == spcm.Errored:
				srv.alert(run, fmt.Sprintf("acquisition failed: %s", st.Error))
			case st.State == spcm.Running && st.Sweeps == sweeps:
				srv.alert(run, fmt.Sprintf(
					"no new sweeps in the last %v (sweeps=%d, backlog=%d)",
					srv.freq, st.Sweeps, st.Backlog,
				))
			}
			sweeps = st.Sweeps
		}
	}
}

func (srv *server) probe() (spcm.Status, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.svc == nil {
		return spcm.Status{}, fmt.Errorf("no run in progress")
	}
	return srv.svc.Status()
}

func (srv *server) alert(run, reason string) {
	log.Printf("run %q: %s", run, reason)

	srv.mu.Lock()
	srv.alerts[run]++
	n := srv.alerts[run]
	srv.mu.Unlock()

	const maxAlerts = 5
	if n < maxAlerts {
		srv.alertMail(run, reason)
	}
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func (srv *server) alertMail(run, reason string) {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 {
		log.Printf("could not send mail alert: missing credentials")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[fadc-ctl] run alert: %q", run))
	msg.SetBody("text/plain", fmt.Sprintf("run: %q\nreason: %s\nfreq: %v",
		run, reason, srv.freq,
	))

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err := dial.DialAndSend(msg)
	if err != nil {
		log.Printf("could not send mail alert: %+v", err)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
