package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-story-cache/config"
	"github.com/saiset-co/sai-story-cache/logger"
	"github.com/saiset-co/sai-story-cache/sai"
	"github.com/saiset-co/sai-story-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Option func(*Service)

// WithLoader replaces the CloverDB store as the hierarchy source.
func WithLoader(loader types.HierarchyLoader) Option {
	return func(s *Service) {
		s.loader = loader
	}
}

// WithoutSignals leaves SIGINT and SIGTERM to the caller.
func WithoutSignals() Option {
	return func(s *Service) {
		s.handleSignals = false
	}
}

type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
	handleSignals   bool
	loader          types.HierarchyLoader
	container       *sai.Container
}

func NewService(ctx context.Context, configPath string, opts ...Option) (*Service, error) {
	if configPath == "" {
		return nil, types.Errorf(types.ErrConfigNotFound, "config path is empty")
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	return newService(ctx, opts, func(ctx context.Context) (*config.ConfigurationManager, error) {
		return config.NewConfigurationManager(ctx, configPath)
	})
}

func NewServiceFromBytes(ctx context.Context, data []byte, opts ...Option) (*Service, error) {
	return newService(ctx, opts, func(ctx context.Context) (*config.ConfigurationManager, error) {
		return config.NewConfigurationManagerFromBytes(ctx, data)
	})
}

func newService(ctx context.Context, opts []Option, loadConfig func(context.Context) (*config.ConfigurationManager, error)) (*Service, error) {
	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		container:       sai.InitContainer(),
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
		handleSignals:   true,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.state.Store(StateStopped)

	configManager, err := loadConfig(serviceCtx)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register config manager")
	}
	s.container.SetConfig(configManager)

	log, err := logger.NewLogger(configManager)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register logger")
	}
	s.container.SetLogger(log)

	if err := s.registerProviders(serviceCtx, configManager.GetConfig(), log); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	return s, nil
}

// Start blocks until the service context is cancelled by Stop, a signal or
// the parent context.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger().Warn("Service is already running")
		return types.ErrServerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.logger().Error("Service run panic", zap.Stack(string(buf[:n])))
				s.state.Store(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	s.logger().Info("Starting service")

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		s.state.Store(StateStopped)
		s.cancel()
		return types.WrapError(err, "failed to start components")
	}

	s.state.Store(StateRunning)

	if s.handleSignals {
		s.setupSignalHandling()
	}

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger().Info("Service started successfully")

	<-s.done

	if err := s.stopComponents(); err != nil {
		s.logger().Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.state.Store(StateStopped)

	logger.Sync(s.logger())
	s.logger().Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.logger().Warn("Service is not running")
		return types.ErrServerNotRunning
	}

	s.logger().Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) Container() *sai.Container {
	return s.container
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

// AfterWrite runs the write-path invalidation for one completed write and
// returns the directive to publish to other layers. A story written on
// its own may leave RootID empty.
func (s *Service) AfterWrite(ctx context.Context, ictx types.InvalidationContext) (types.InvalidationDirective, error) {
	if ictx.RootID == "" && ictx.EntityType == types.EntityStory {
		ictx.RootID = ictx.EntityID
	}

	if err := s.container.Invalidation.Load().OnMutate(ctx, ictx.EntityType, ictx.EntityID, ictx.RootID); err != nil {
		return types.InvalidationDirective{}, err
	}

	return s.container.Broadcaster.Load().ForMutation(ictx), nil
}

// AfterBulkWrite invalidates many roots after a batch write.
func (s *Service) AfterBulkWrite(ctx context.Context, rootIDs []string) error {
	return s.container.Invalidation.Load().OnBulkMutate(ctx, rootIDs)
}

func (s *Service) logger() types.Logger {
	return *s.container.Logger.Load()
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) startComponents(ctx context.Context) error {
	if ptr := s.container.Config.Load(); ptr != nil {
		if manager, ok := (*ptr).(types.LifecycleManager); ok {
			if err := manager.Start(); err != nil {
				return types.WrapError(err, "failed to start config manager")
			}
		}
	}

	if store := s.container.Store.Load(); store != nil {
		if err := store.Start(); err != nil {
			return types.WrapError(err, "failed to start database")
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		s.container.Cache.Load().Connect(s.ctx)
	}

	if cronManager := s.container.Cron.Load(); cronManager != nil {
		if err := cronManager.Start(); err != nil {
			s.logger().Error("Failed to start cron manager", zap.Error(err))
		}
	}

	if httpServer := s.container.HTTPServer.Load(); httpServer != nil {
		if err := httpServer.Start(); err != nil {
			return types.WrapError(err, "failed to start HTTP server")
		}
	}

	s.logger().Info("All components started successfully")
	return nil
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error

	s.logger().Info("Stopping service components...")

	g, gCtx := errgroup.WithContext(ctx)

	if httpServer := s.container.HTTPServer.Load(); httpServer != nil {
		g.Go(func() error {
			if err := httpServer.Stop(); err != nil {
				s.logger().Error("Failed to stop HTTP server", zap.Error(err))
				return err
			}
			return nil
		})
	}

	if cronManager := s.container.Cron.Load(); cronManager != nil && cronManager.IsRunning() {
		g.Go(func() error {
			if err := cronManager.Stop(); err != nil {
				s.logger().Error("Failed to stop cron manager", zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			s.logger().Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
		}
		errs = append(errs, err)
	}

	if err := s.container.Cache.Load().Close(); err != nil {
		s.logger().Error("Failed to close cache", zap.Error(err))
		errs = append(errs, err)
	}

	if store := s.container.Store.Load(); store != nil {
		if err := store.Stop(); err != nil {
			s.logger().Error("Failed to stop database", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if ptr := s.container.Config.Load(); ptr != nil {
		if manager, ok := (*ptr).(types.LifecycleManager); ok {
			if err := manager.Stop(); err != nil {
				s.logger().Error("Failed to stop config manager", zap.Error(err))
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errs)
	}

	s.logger().Info("All components stopped successfully")
	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.logger().Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			s.logger().Info("Service context cancelled")
		}

		signal.Stop(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger().Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger().Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger().Info("Service shutdown: context done")
	}
}
