// Command h3probe dials a single HTTP/3 endpoint, issues one GET request
// over a freshly constructed Session, prints the response, then drains the
// connection. It exists to exercise http3.Session as a real binary would,
// not as a general-purpose client.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/lucas-clemente/quic-go"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/agnivade/h3mux/http3"
)

func main() {
	app := &cli.App{
		Name:  "h3probe",
		Usage: "issue one HTTP/3 request and print the response",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Required: true, Usage: "host:port to dial"},
			&cli.StringFlag{Name: "path", Value: "/", Usage: "request path"},
			&cli.BoolFlag{Name: "insecure", Value: false, Usage: "skip TLS certificate verification"},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	tlsConf := &tls.Config{
		NextProtos:         []string{"h3"},
		InsecureSkipVerify: c.Bool("insecure"),
	}
	quicConf := &quic.Config{}

	sess, err := quic.DialAddrContext(ctx, c.String("addr"), tlsConf, quicConf)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	loop := http3.NewLoop(256)
	logger := http3.NewLogger()
	session := http3.NewSession(http3.WrapConnection(sess), loop, http3.Options{
		Logger: &logger,
	})

	done := make(chan error, 1)
	session.Connect(&cliConnectCallback{done: done})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				loop.RunOnce()
			}
		}
	})

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	result := make(chan error, 1)
	handler := &cliHandler{path: c.String("path"), result: result}
	txn, err := session.NewTransaction(handler)
	if err != nil {
		return fmt.Errorf("new transaction: %w", err)
	}
	if txn == nil {
		return fmt.Errorf("session not open")
	}
	if err := txn.SendHeaders(requestHeaders(c.String("addr"), c.String("path"))); err != nil {
		return err
	}
	if err := txn.SendEOM(); err != nil {
		return err
	}

	select {
	case err := <-result:
		session.CloseWhenIdle()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func requestHeaders(authority, path string) http3.Headers {
	return http3.Headers{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: path},
	}
}

type cliConnectCallback struct {
	done chan error
}

func (c *cliConnectCallback) ConnectSuccess()                       { c.done <- nil }
func (c *cliConnectCallback) ConnectError(err *http3.HTTPException) { c.done <- err }

type cliHandler struct {
	http3.NoOpHandler
	path   string
	result chan error
	status int
}

func (h *cliHandler) OnHeaders(headers http3.Headers, interim bool) {
	if interim {
		return
	}
	h.status = headers.Status()
	fmt.Printf("HTTP/3 %d\n", h.status)
}

func (h *cliHandler) OnBody(p []byte) {
	os.Stdout.Write(p)
}

func (h *cliHandler) OnEOM() {
	fmt.Println()
	h.result <- nil
}

func (h *cliHandler) OnError(err *http3.HTTPException) {
	h.result <- err
}
