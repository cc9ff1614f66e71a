// Package task provides a small lifecycle manager for background goroutines.
//
// It is used by the driver's polling layers to start named loops, stop them
// all by cancelling a shared context, and wait for their termination.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

// Func is a unit of work executed repeatedly by a managed goroutine.
// It returns true to keep the loop running, or false to stop the goroutine.
type Func func() bool

// Manager manages the lifecycle of background goroutines.
//
// Stopping is cooperative: Stop cancels the manager's context, which every
// managed loop observes between iterations. Wait blocks until all loops have
// terminated and then re-arms the manager for reuse.
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32

	tickers sync.Map // map[string]*time.Ticker

	mu     sync.RWMutex // protects ctx and cancel
	taskMu sync.RWMutex // blocks task creation during Wait()
}

// NewManager creates a Manager whose tasks are children of ctx.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

func (mgr *Manager) getContext() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start launches a named goroutine running fn in a loop until fn returns
// false or the manager is stopped.
func (mgr *Manager) Start(name string, fn Func) error {
	mgr.logger.Debug("start task", "name", name)

	starter, err := mgr.newStarter(name)
	if err != nil {
		return err
	}

	starter.launch(func() {
		mgr.runLoop(fn)
	})

	return starter.waitForStart()
}

// StartInterval launches a named goroutine that executes fn once per
// interval. If runNow is true, fn is executed immediately before the first
// tick. The returned ticker can be used to adjust or stop the interval.
func (mgr *Manager) StartInterval(name string, fn Func, interval time.Duration, runNow bool) (*time.Ticker, error) {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return nil, fmt.Errorf("task: invalid interval: %v", interval)
	}

	ticker := time.NewTicker(interval)

	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return nil, fmt.Errorf("task: interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.Delete(name)
	}

	if runNow {
		if !mgr.callWithRecover(name, fn) {
			cleanup()
			mgr.logger.Debug("interval task terminated by first run", "name", name)

			return ticker, nil
		}
	}

	starter, err := mgr.newStarter(name)
	if err != nil {
		cleanup()
		return nil, err
	}

	starter.launch(func() {
		defer cleanup()

		for {
			ctx := mgr.getContext()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, fn) {
					return
				}
			}
		}
	})

	if err := starter.waitForStart(); err != nil {
		cleanup()
		return nil, err
	}

	return ticker, nil
}

// StopInterval stops the interval task with the given name.
func (mgr *Manager) StopInterval(name string) error {
	if val, ok := mgr.tickers.LoadAndDelete(name); ok {
		ticker, ok := val.(*time.Ticker)
		if ok {
			ticker.Stop()
			return nil
		}

		return fmt.Errorf("task: ticker %s is not a *time.Ticker", name)
	}

	return fmt.Errorf("task: ticker %s not found", name)
}

// Stop signals all running goroutines to terminate.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(key, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}

		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait blocks until all goroutines have terminated, then re-arms the manager
// so it can start tasks again.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// Count returns the number of currently running goroutines.
func (mgr *Manager) Count() int {
	return int(mgr.count.Load())
}

// callWithRecover calls fn with panic protection; a panicking task is logged
// and treated as if it returned false.
func (mgr *Manager) callWithRecover(name string, fn Func) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			keep = false
		}
	}()

	return fn()
}

func (mgr *Manager) runLoop(fn Func) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task loop", "panic", r)
		}
	}()

	for {
		ctx := mgr.getContext()
		select {
		case <-ctx.Done():
			return
		default:
			if !fn() {
				return
			}
		}
	}
}

// starter encapsulates common startup logic.
type starter struct {
	mgr     *Manager
	name    string
	started chan error
}

func (mgr *Manager) newStarter(name string) (*starter, error) {
	ctx := mgr.getContext()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("task: manager already stopped")
	default:
	}

	return &starter{
		mgr:     mgr,
		name:    name,
		started: make(chan error, 1),
	}, nil
}

func (s *starter) launch(body func()) {
	s.mgr.taskMu.RLock()
	defer s.mgr.taskMu.RUnlock()

	s.mgr.wg.Add(1)

	go func() {
		defer s.mgr.wg.Done()

		func() {
			defer func() {
				if r := recover(); r != nil {
					s.started <- fmt.Errorf("panic during startup: %v", r)
				}
			}()

			s.mgr.count.Add(1)
			s.started <- nil
		}()

		defer func() {
			s.mgr.count.Add(-1)
			s.mgr.logger.Debug(fmt.Sprintf("%s task terminated", s.name), "task_count", s.mgr.Count())
		}()

		body()
	}()
}

func (s *starter) waitForStart() error {
	ctx := s.mgr.getContext()

	select {
	case err := <-s.started:
		if err != nil {
			s.mgr.wg.Done() // compensate for failed start
			return fmt.Errorf("task: failed to start %s: %w", s.name, err)
		}

		return nil

	case <-time.After(5 * time.Second):
		return fmt.Errorf("task: timeout waiting for %s to start", s.name)

	case <-ctx.Done():
		return fmt.Errorf("task: context cancelled while starting %s", s.name)
	}
}
