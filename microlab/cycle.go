package microlab

import (
	"context"
	"fmt"
	"time"

	"github.com/DolicaAkelloEgwel/syringeposter/command"
	"github.com/DolicaAkelloEgwel/syringeposter/internal/pool"
	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

// stopHaltTimeout bounds the halt request a stopping cycle sends to the
// instrument. The request runs on its own context because the cycle's
// context may already be cancelled.
const stopHaltTimeout = 3 * time.Second

// CycleState is the lifecycle state of the command-cycling loop.
type CycleState uint32

const (
	// CycleIdle means no cycle is running.
	CycleIdle CycleState = iota
	// CycleRunning means the background loop is issuing commands.
	CycleRunning
	// CycleStopRequested means a stop has been signalled and the loop has
	// not yet wound down.
	CycleStopRequested
)

// String returns a human-readable state name.
func (s CycleState) String() string {
	switch s {
	case CycleIdle:
		return "idle"
	case CycleRunning:
		return "running"
	case CycleStopRequested:
		return "stop requested"
	default:
		return fmt.Sprintf("CycleState(%d)", uint32(s))
	}
}

// CycleState reports the current state of the command-cycling loop.
func (m *Microlab) CycleState() CycleState {
	return CycleState(m.cycleState.Load())
}

// StartCycle launches a background loop that issues the given commands in
// order, wrapping around indefinitely. After each command the loop polls
// the instrument-idle query until the instrument reports idle with an empty
// buffer, so commands never overlap on the device.
//
// Only one cycle may run at a time; starting a second one fails without
// disturbing the first. Cancelling ctx stops the cycle the same way a
// StopCycle call would.
//
// While the cycle runs the link's logger is raised to error level so the
// high-frequency idle polling does not flood the log. The saved level is
// restored when the cycle ends, unless it ends through StopCycle(false).
func (m *Microlab) StartCycle(ctx context.Context, commands []*command.Command) error {
	if len(commands) == 0 {
		m.log.Error("Attempted to start a command cycle with no commands")
		return fmt.Errorf("%w: a cycle requires at least one command", command.ErrValidation)
	}
	for _, cmd := range commands {
		if cmd == nil {
			m.log.Error("Attempted to start a command cycle with a nil command")
			return fmt.Errorf("%w: nil command in cycle", command.ErrValidation)
		}
	}

	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	if m.CycleState() != CycleIdle {
		m.log.Error("Attempted to start a command cycle when one is already running")
		return ErrCycleRunning
	}

	linkLog := m.link.GetLogger()
	m.savedLevel = linkLog.Level()
	m.restoreLevel = true
	linkLog.SetLevel(logger.ErrorLevel)

	m.cycleStop = make(chan struct{})
	m.cycleDone = make(chan struct{})
	m.cycleState.Store(uint32(CycleRunning))

	go m.cycle(ctx, commands, m.cycleStop, m.cycleDone)

	return nil
}

// StopCycle signals the running cycle to stop and blocks until its
// background loop has halted the instrument and gone idle, so the caller
// never observes partial teardown. Stopping an idle controller is a no-op.
//
// restoreLogging restores the link logger level saved when the cycle
// started. Callers that manage log levels themselves pass false.
func (m *Microlab) StopCycle(restoreLogging bool) {
	m.cycleMu.Lock()
	if m.CycleState() != CycleRunning {
		m.cycleMu.Unlock()
		return
	}

	m.cycleState.Store(uint32(CycleStopRequested))
	m.restoreLevel = restoreLogging
	close(m.cycleStop)
	done := m.cycleDone
	m.cycleMu.Unlock()

	<-done
}

// cycle is the background loop body. It owns no cycle state directly; all
// transitions go through finishCycle so a stopped cycle is never left with
// a stale handle.
func (m *Microlab) cycle(ctx context.Context, commands []*command.Command, stop, done chan struct{}) {
	defer func() {
		// The instrument's own buffer must stop before the local state
		// machine resets, and the cycle context may already be cancelled.
		haltCtx, cancel := context.WithTimeout(context.Background(), stopHaltTimeout)
		_ = m.HaltExecution(haltCtx)
		cancel()

		m.finishCycle(done)
	}()

	for {
		for _, cmd := range commands {
			if m.cycleStopped(ctx, stop) {
				return
			}

			// A send failure is already logged; the idle poll below keeps
			// the loop from racing ahead of the instrument either way.
			_ = m.SendCommand(ctx, cmd)

			if !m.waitInstrumentDone(ctx, stop) {
				return
			}
		}
	}
}

// waitInstrumentDone polls the instrument-idle query until the instrument
// reports idle with an empty buffer. A failed poll, such as a transient NAK
// while the drives are moving, counts as not yet idle. It returns false
// when the cycle should stop instead.
func (m *Microlab) waitInstrumentDone(ctx context.Context, stop chan struct{}) bool {
	for {
		idle, err := m.Done.Request(ctx)
		if err == nil && idle {
			return true
		}

		if m.cycleStopped(ctx, stop) {
			return false
		}

		timer := pool.GetTimer(m.pollInterval)
		select {
		case <-timer.C:
			pool.PutTimer(timer)
		case <-stop:
			pool.PutTimer(timer)
			return false
		case <-ctx.Done():
			pool.PutTimer(timer)
			return false
		}
	}
}

func (m *Microlab) cycleStopped(ctx context.Context, stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// finishCycle resets the cycle state under the lock, then closes done so
// StopCycle callers unblock only after the state is consistent again. The
// loop restores the suppressed log level itself so a cycle that ends
// through context cancellation does not leave it stuck at error.
func (m *Microlab) finishCycle(done chan struct{}) {
	m.cycleMu.Lock()
	if m.restoreLevel {
		m.link.GetLogger().SetLevel(m.savedLevel)
	}
	m.cycleState.Store(uint32(CycleIdle))
	m.cycleStop = nil
	m.cycleDone = nil
	m.cycleMu.Unlock()

	close(done)
}
