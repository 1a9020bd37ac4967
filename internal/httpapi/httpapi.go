// Package httpapi is a loopback JSON+SSE binding of internal/controlapi
// (spec SPEC_FULL.md §4 "SUPPLEMENTED FEATURES"). It exists only to give
// the in-process ControlApi a wire shape a LAN companion app or CLI can
// talk to; the HTML/JS front-end itself stays out of scope.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/btaudio/btaudiod/internal/controlapi"
)

// Server owns the HTTP listener and its optional mDNS advertisement.
type Server struct {
	addr   string
	srv    *http.Server
	zcName string
	zc     *zeroconf.Server
}

// New builds a Server bound to addr (host:port, typically a loopback or
// LAN address per spec's "loopback HTTP control-api bind address").
// zcName is the mDNS instance name to advertise; an empty name disables
// advertisement.
func New(addr string, api *controlapi.Api, zcName string) *Server {
	return &Server{
		addr:   addr,
		zcName: zcName,
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(api),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run starts the HTTP listener and, if zcName is set, advertises it over
// mDNS. It blocks until ctx is cancelled, then shuts both down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", s.addr, err)
	}

	if s.zcName != "" {
		if _, portStr, splitErr := net.SplitHostPort(ln.Addr().String()); splitErr == nil {
			port, _ := strconv.Atoi(portStr)
			if zc, zcErr := zeroconf.Register(s.zcName, "_btaudiod._tcp", "local.", port,
				[]string{"proto=1"}, nil); zcErr == nil {
				s.zc = zc
				slog.Info("httpapi: advertising over mDNS", "name", s.zcName, "port", port)
			} else {
				slog.Warn("httpapi: mDNS registration failed", "error", zcErr)
			}
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if s.zc != nil {
			s.zc.Shutdown()
		}
		return err
	}

	if s.zc != nil {
		s.zc.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
