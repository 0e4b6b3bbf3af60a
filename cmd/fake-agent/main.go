// ABOUTME: Minimal fake agent for end-to-end testing — answers relay exchanges over a socket.
// ABOUTME: Usage: fake-agent [-socket /tmp/fold-agent.sock] [-tcp 127.0.0.1:9377] [-delay 0s]

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/2389/fold-relay/internal/transport"
)

func main() {
	socket := flag.String("socket", "", "unix socket path to listen on")
	tcp := flag.String("tcp", "", "tcp address to listen on")
	delay := flag.Duration("delay", 0, "artificial delay before each response")
	fail := flag.Bool("fail", false, "answer every request with an application error")
	flag.Parse()

	if *socket == "" && *tcp == "" {
		fmt.Fprintln(os.Stderr, "at least one of -socket or -tcp is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var wg sync.WaitGroup
	var listeners []net.Listener

	if *socket != "" {
		os.Remove(*socket)
		ln, err := net.Listen("unix", *socket)
		if err != nil {
			log.Fatalf("listen unix: %v", err)
		}
		listeners = append(listeners, ln)
		log.Printf("listening on unix %s", *socket)
	}
	if *tcp != "" {
		ln, err := net.Listen("tcp", *tcp)
		if err != nil {
			log.Fatalf("listen tcp: %v", err)
		}
		listeners = append(listeners, ln)
		log.Printf("listening on tcp %s", *tcp)
	}

	for _, ln := range listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			serve(ln, *delay, *fail)
		}(ln)
	}

	<-ctx.Done()
	for _, ln := range listeners {
		ln.Close()
	}
	wg.Wait()
}

// serve answers one newline-delimited JSON exchange per connection.
func serve(ln net.Listener, delay time.Duration, fail bool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()

			line, err := bufio.NewReader(conn).ReadBytes('\n')
			if err != nil {
				return
			}
			var req transport.Request
			if err := json.Unmarshal(line, &req); err != nil {
				log.Printf("bad request: %v", err)
				return
			}

			if delay > 0 {
				time.Sleep(delay)
			}

			resp := answer(&req, fail)
			payload, _ := json.Marshal(resp)
			conn.Write(append(payload, '\n'))
			log.Printf("answered %s (%s) for workspace %s", req.ID, resp.Status, req.Workspace)
		}(conn)
	}
}

// answer echoes the prompt back, markdown-flavored, so callers can see their
// input round-tripped.
func answer(req *transport.Request, fail bool) *transport.Response {
	if fail {
		return &transport.Response{
			ID:       req.ID,
			Status:   transport.StatusError,
			ExitCode: 1,
			Error:    "simulated failure",
		}
	}

	var out strings.Builder
	out.WriteString("## Echo\n\n")
	out.WriteString("You said: **" + req.Prompt + "**\n")
	return &transport.Response{
		ID:     req.ID,
		Status: transport.StatusOK,
		Stdout: out.String(),
	}
}
