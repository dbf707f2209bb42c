// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command h2i performs a single HTTP/2 request against a server and
// prints the response, using the h2engine package directly instead of
// net/http — a minimal, scriptable descendant of the teacher's
// interactive h2i tool.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/arrowcore/h2engine"
)

var (
	method   = flag.String("method", "GET", "HTTP method")
	priority = flag.String("priority", "normal", "one of verylow, low, normal, high, veryhigh")
	insecure = flag.Bool("insecure", false, "skip TLS certificate verification")
	timeout  = flag.Duration("timeout", 30*time.Second, "overall request timeout")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: h2i [flags] https://host[:port]/path\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(flag.Arg(0)); err != nil {
		log.Fatal(err)
	}
}

func run(rawURL string) error {
	req, err := http.NewRequest(*method, rawURL, nil)
	if err != nil {
		return fmt.Errorf("bad URL: %w", err)
	}
	pri, err := parsePriority(*priority)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	authority := req.URL.Host
	if !strings.Contains(authority, ":") {
		authority += ":443"
	}
	sess, err := dial(ctx, req.URL.Hostname(), authority)
	if err != nil {
		return err
	}

	item := &h2engine.Item{Req: req, Priority: pri, Ctx: ctx}
	done := make(chan struct{})
	var sendErr error
	if err := sess.Send(item, func(_ h2engine.Outcome, _ *http.Response, e error) {
		sendErr = e
		close(done)
	}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	if err := sess.RunUntilReadable(ctx, item); err != nil {
		return fmt.Errorf("waiting for response: %w", err)
	}

	resp := sess.Response(item)
	body := sess.ResponseBody(item)
	if resp == nil || body == nil {
		return fmt.Errorf("no response received")
	}

	fmt.Fprintf(os.Stdout, "status: %s\n", resp.Status)
	for k, vv := range resp.Header {
		for _, v := range vv {
			fmt.Fprintf(os.Stdout, "%s: %s\n", k, v)
		}
	}
	fmt.Fprintln(os.Stdout)
	if _, err := io.Copy(os.Stdout, body); err != nil && err != io.EOF {
		return fmt.Errorf("reading body: %w", err)
	}

	sess.Finish(item, h2engine.OutcomeDone)
	<-done
	<-sess.CloseAsync(ctx)
	return sendErr
}

func dial(ctx context.Context, host, authority string) (*h2engine.Session, error) {
	d := &net.Dialer{}
	rawConn, err := d.DialContext(ctx, "tcp", authority)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", authority, err)
	}
	tlsConn := tls.Client(rawConn, &tls.Config{
		ServerName:         host,
		NextProtos:         []string{h2engine.NextProtoTLS},
		InsecureSkipVerify: *insecure,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	if tlsConn.ConnectionState().NegotiatedProtocol != h2engine.NextProtoTLS {
		return nil, fmt.Errorf("server did not negotiate %q via ALPN", h2engine.NextProtoTLS)
	}
	return h2engine.NewSession(1, tlsConn)
}

func parsePriority(s string) (h2engine.Priority, error) {
	switch strings.ToLower(s) {
	case "verylow":
		return h2engine.PriorityVeryLow, nil
	case "low":
		return h2engine.PriorityLow, nil
	case "normal":
		return h2engine.PriorityNormal, nil
	case "high":
		return h2engine.PriorityHigh, nil
	case "veryhigh":
		return h2engine.PriorityVeryHigh, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}
