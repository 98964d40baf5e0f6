// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	"datatrust/platform/policy"
	"datatrust/platform/shared/logger"
)

// stdioMaxLineBytes bounds one request line, mirroring the HTTP body cap.
const stdioMaxLineBytes = defaultMaxBodyBytes

// StdioServer speaks newline-delimited JSON: one request per line on stdin,
// one response per line on stdout. Logs go strictly to stderr so they can
// never corrupt the protocol stream.
type StdioServer struct {
	dispatcher *Dispatcher
	identity   policy.Identity
	in         io.Reader
	out        io.Writer
	mu         sync.Mutex
	log        *logger.Logger
}

// NewStdioServer builds a transport over os.Stdin and os.Stdout. The local
// identity is attached to every call; stdio has no per-request auth.
func NewStdioServer(d *Dispatcher, identity policy.Identity) *StdioServer {
	if identity.Subject == "" {
		identity.Subject = "local"
	}
	return &StdioServer{
		dispatcher: d,
		identity:   identity,
		in:         os.Stdin,
		out:        os.Stdout,
		log:        logger.NewWithWriter("stdio", os.Stderr),
	}
}

// Serve processes requests until stdin closes or the context is canceled.
func (s *StdioServer) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), stdioMaxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.write(&Response{
				OK:    false,
				Error: &ErrorBody{Kind: "VALIDATION_ERROR", Message: "request line is not valid JSON"},
			})
			continue
		}

		callCtx := WithIdentity(WithTraceID(ctx, TraceIDFromHeader("")), s.identity)
		s.write(s.dispatcher.Execute(callCtx, &req))
	}
	if err := scanner.Err(); err != nil {
		s.log.ErrorWithErr("", "", "reading stdin failed", err, nil)
		return err
	}
	return nil
}

func (s *StdioServer) write(resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.out)
	if err := enc.Encode(resp); err != nil {
		s.log.ErrorWithErr("", "", "writing response failed", err, nil)
	}
}
