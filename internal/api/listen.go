package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Listener serves a Server's routes on a TCP address.
type Listener struct {
	httpServer *http.Server
	addr       net.Addr
	logger     *zap.Logger
}

// Start binds addr and serves in a goroutine. It returns once the socket is bound.
func (s *Server) Start(addr string, readTimeout, writeTimeout time.Duration) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		httpServer: &http.Server{
			Handler:           s.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: readTimeout,
			WriteTimeout:      writeTimeout,
		},
		addr:   ln.Addr(),
		logger: s.logger,
	}
	go func() {
		if err := l.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("listening", zap.String("addr", l.addr.String()))
	return l, nil
}

// Addr is the bound address, useful when started on port 0.
func (l *Listener) Addr() net.Addr { return l.addr }

// Shutdown stops accepting connections and waits for in-flight requests.
func (l *Listener) Shutdown(ctx context.Context) error {
	return l.httpServer.Shutdown(ctx)
}
