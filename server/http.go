package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-story-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const defaultShutdownTimeout = 5 * time.Second

type HTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          *types.ServerConfig
	router          *Router
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
}

var _ types.LifecycleManager = (*HTTPServer)(nil)

func NewHTTPServer(ctx context.Context, logger types.Logger, config *types.ServerConfig, router *Router) (*HTTPServer, error) {
	if config == nil {
		return nil, types.Errorf(types.ErrConfigIsNil, "server")
	}

	if router == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "router is nil")
	}

	serverCtx, cancel := context.WithCancel(ctx)

	shutdownTimeout := defaultShutdownTimeout
	if config.ShutdownTimeout > 0 {
		shutdownTimeout = time.Duration(config.ShutdownTimeout) * time.Second
	}

	h := &HTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		config:          config,
		router:          router,
		shutdownTimeout: shutdownTimeout,
	}

	h.state.Store(StateStopped)

	return h, nil
}

// Start binds the listener synchronously so that bind errors reach the
// caller, then serves in the background.
func (h *HTTPServer) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	h.server = &fasthttp.Server{
		Handler:               h.router.Handler,
		Name:                  "story-cache",
		ReadTimeout:           time.Duration(h.config.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(h.config.WriteTimeout) * time.Second,
		TCPKeepalive:          true,
		CloseOnShutdown:       true,
		NoDefaultServerHeader: true,
	}

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		h.state.Store(StateStopped)
		return types.Errorf(types.ErrServerStartFailed, "listen %s: %v", addr, err)
	}
	h.listener = listener

	go func() {
		if err := h.server.Serve(listener); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
			h.state.Store(StateStopped)
		}
	}()

	h.state.Store(StateRunning)

	h.logger.Info("HTTP server started", zap.String("address", listener.Addr().String()))

	return nil
}

func (h *HTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.state.Store(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return h.server.ShutdownWithContext(gCtx)
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			h.logger.Warn("HTTP server stop timeout, some connections may not have closed gracefully")
		default:
			h.logger.Error("Error during HTTP server shutdown", zap.Error(err))
		}
		return err
	}

	h.logger.Info("HTTP server stopped gracefully")
	return nil
}

func (h *HTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

// Addr is the bound address, or empty before Start.
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *HTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *HTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}
