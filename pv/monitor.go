package pv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DolicaAkelloEgwel/syringeposter/command"
	"github.com/DolicaAkelloEgwel/syringeposter/comms"
	"github.com/DolicaAkelloEgwel/syringeposter/internal/task"
	"github.com/DolicaAkelloEgwel/syringeposter/logger"
	"github.com/DolicaAkelloEgwel/syringeposter/microlab"
)

const (
	// DefaultPollPeriod is the pause between poll rounds.
	DefaultPollPeriod = 100 * time.Millisecond

	// DefaultRetryPeriod is how long a poll loop backs off after a
	// communication failure before asking the instrument again.
	DefaultRetryPeriod = 5 * time.Second

	// MinPollPeriod is the smallest accepted poll period.
	MinPollPeriod = time.Millisecond
)

// Monitor mirrors the state of one instrument into a registry of process
// variables and applies writes back to the instrument.
//
// Read-side records are refreshed by background poll loops started with
// Start. A failed request marks the record invalid; a failed exchange
// additionally reports through the Status record and backs off the loop
// for the retry period. Write-side records issue instrument commands from
// the caller's goroutine.
type Monitor struct {
	pump *microlab.Microlab
	reg  *Registry
	log  logger.Logger

	pollPeriod  time.Duration
	retryPeriod time.Duration

	right *sideMonitor
	left  *sideMonitor

	status      *PV
	firmware    *PV
	active      *PV
	initialised *PV
	cycleActive *PV
	haltButton  *PV
	startButton *PV
	stopButton  *PV
	rfillLflow  *PV
	rflowLfill  *PV

	paramPollers []poller
	busyPollers  []poller

	mu             sync.Mutex
	ctx            context.Context
	tasks          *task.Manager
	savedLinkLevel logger.Level
	running        bool
}

// MonitorOption configures a Monitor.
type MonitorOption interface {
	apply(*Monitor) error
}

type monitorOptFunc func(*Monitor) error

func (f monitorOptFunc) apply(m *Monitor) error { return f(m) }

// WithPollPeriod sets the pause between poll rounds.
func WithPollPeriod(d time.Duration) MonitorOption {
	return monitorOptFunc(func(m *Monitor) error {
		if d < MinPollPeriod {
			return fmt.Errorf("pv: poll period %v below minimum %v", d, MinPollPeriod)
		}
		m.pollPeriod = d
		return nil
	})
}

// WithRetryPeriod sets the back-off applied after a communication failure.
func WithRetryPeriod(d time.Duration) MonitorOption {
	return monitorOptFunc(func(m *Monitor) error {
		if d <= 0 {
			return fmt.Errorf("pv: retry period %v is not positive", d)
		}
		m.retryPeriod = d
		return nil
	})
}

// WithMonitorLogger sets the logger for the monitor's own messages.
func WithMonitorLogger(l logger.Logger) MonitorOption {
	return monitorOptFunc(func(m *Monitor) error {
		if l == nil {
			return errors.New("pv: logger is nil")
		}
		m.log = l
		return nil
	})
}

// NewMonitor creates a monitor serving the instrument's records through
// reg. The records are registered immediately; polling begins with Start.
func NewMonitor(pump *microlab.Microlab, reg *Registry, opts ...MonitorOption) (*Monitor, error) {
	if pump == nil {
		return nil, errors.New("pv: pump is nil")
	}
	if reg == nil {
		return nil, errors.New("pv: registry is nil")
	}

	m := &Monitor{
		pump:        pump,
		reg:         reg,
		log:         reg.log,
		pollPeriod:  DefaultPollPeriod,
		retryPeriod: DefaultRetryPeriod,
		right:       newSideMonitor(command.Right, "Right:", pump.Right),
		left:        newSideMonitor(command.Left, "Left:", pump.Left),
	}

	for _, opt := range opts {
		if err := opt.apply(m); err != nil {
			return nil, err
		}
	}

	m.buildRecords()

	return m, nil
}

// Registry returns the registry the monitor serves.
func (m *Monitor) Registry() *Registry {
	return m.reg
}

// Start begins the poll loops. Per-request logging on the link is lowered
// to the error level while the monitor runs so the poll traffic does not
// drown the log. The loops stop when ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("pv: monitor already running")
	}

	linkLog := m.pump.Link().GetLogger()
	m.savedLinkLevel = linkLog.Level()
	linkLog.SetLevel(logger.ErrorLevel)

	m.ctx = ctx
	m.tasks = task.NewManager(ctx, m.log)
	m.running = true

	_ = m.active.Set(true)

	loops := []struct {
		name string
		fn   func() bool
	}{
		{"pv-parameters", m.parameterLoop(ctx)},
		{"pv-busy", m.pollLoop(ctx, m.busyPollers, "Error raised in busy status monitor thread")},
		{"pv-volumes", m.volumeLoop(ctx)},
		{"pv-direction-right", m.directionLoop(ctx, m.right)},
		{"pv-direction-left", m.directionLoop(ctx, m.left)},
	}
	for _, loop := range loops {
		if _, err := m.tasks.StartInterval(loop.name, loop.fn, m.pollPeriod, false); err != nil {
			m.stopLocked()
			return err
		}
	}

	return nil
}

// parameterLoop wraps the parameter poll round with one-time startup work:
// the firmware version is read once and the cycle speeds start at the
// minimum speed.
func (m *Monitor) parameterLoop(ctx context.Context) func() bool {
	round := m.pollLoop(ctx, m.paramPollers, "Error in parameter monitor thread")
	started := false

	return func() bool {
		if !started {
			started = true

			if version, err := m.pump.FirmwareVersion(ctx); err != nil {
				m.firmware.Invalidate()
			} else {
				_ = m.firmware.Set(version)
			}

			_ = m.rfillLflow.Set(int64(command.MinSpeed))
			_ = m.rflowLfill.Set(int64(command.MinSpeed))
		}

		return round()
	}
}

// Stop halts the poll loops and restores the link logger level. It is safe
// to call on a monitor that never started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if !m.running {
		return
	}

	m.tasks.Stop()
	m.tasks.Wait()
	m.tasks = nil
	m.ctx = nil
	m.running = false

	m.pump.Link().GetLogger().SetLevel(m.savedLinkLevel)
	_ = m.active.Set(false)
}

// runCtx returns the context the poll loops run under, for handlers whose
// work outlives the request that triggered them.
func (m *Monitor) runCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

// SetStatus publishes a status message when it differs from the current
// one, logging it at the given level.
func (m *Monitor) SetStatus(message string, level logger.Level) {
	if m.status.Snapshot().Value == message {
		return
	}
	_ = m.status.Set(message)

	switch level {
	case logger.DebugLevel:
		m.log.Debug(message)
	case logger.WarnLevel:
		m.log.Warn(message)
	case logger.ErrorLevel:
		m.log.Error(message)
	default:
		m.log.Info(message)
	}
}

// poller pairs a record with the request that refreshes it.
type poller struct {
	pv   *PV
	read func(ctx context.Context) (any, Severity, error)
}

// pollLoop returns an interval task that refreshes each record in order.
// A reply-level failure marks only that record invalid; a link-level
// failure aborts the round, reports through the status record and backs
// the loop off for the retry period.
func (m *Monitor) pollLoop(ctx context.Context, pollers []poller, message string) func() bool {
	var backoffUntil time.Time

	return func() bool {
		if time.Now().Before(backoffUntil) {
			return true
		}

		for _, p := range pollers {
			if ctx.Err() != nil {
				return false
			}

			value, severity, err := p.read(ctx)
			if err != nil {
				p.pv.Invalidate()
				if isReplyError(err) {
					continue
				}
				m.SetStatus(message+": "+err.Error(), logger.WarnLevel)
				backoffUntil = time.Now().Add(m.retryPeriod)
				return true
			}

			if err := p.pv.SetAlarm(value, severity); err != nil {
				m.log.Error("Unable to update process variable", "name", p.pv.Name(), "error", err)
			}
		}

		return true
	}
}

// volumeLoop refreshes both syringe volume readbacks from the syringe
// positions.
func (m *Monitor) volumeLoop(ctx context.Context) func() bool {
	var backoffUntil time.Time

	return func() bool {
		if time.Now().Before(backoffUntil) {
			return true
		}

		for _, s := range []*sideMonitor{m.right, m.left} {
			if ctx.Err() != nil {
				return false
			}

			position, err := s.params.SyringePosition.Get(ctx)
			if err != nil {
				s.volumeRBV.Invalidate()
				if isReplyError(err) {
					continue
				}
				m.SetStatus("Error raised in syringe volume monitor thread: "+err.Error(), logger.WarnLevel)
				backoffUntil = time.Now().Add(m.retryPeriod)
				return true
			}

			_ = s.volumeRBV.Set(StepsToVolume(position, s.maxVol()))
		}

		return true
	}
}

// directionLoop tracks whether one syringe's position is rising or falling
// across consecutive polls.
func (m *Monitor) directionLoop(ctx context.Context, s *sideMonitor) func() bool {
	var backoffUntil time.Time

	return func() bool {
		if time.Now().Before(backoffUntil) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		position, err := s.params.SyringePosition.Get(ctx)
		if err != nil {
			if !isReplyError(err) {
				m.SetStatus("Error raised in syringe direction monitor thread: "+err.Error(), logger.WarnLevel)
			}
			backoffUntil = time.Now().Add(m.retryPeriod)
			return true
		}

		increasing, decreasing, known := s.recordPosition(position)
		if known {
			_ = s.increasing.Set(increasing)
			_ = s.decreasing.Set(decreasing)
		}

		return true
	}
}

// isReplyError reports whether a request failed at the reply level rather
// than the link level. Reply failures mark single records stale without
// backing off the poll loop.
func isReplyError(err error) bool {
	return errors.Is(err, comms.ErrReceiveTimeout) ||
		errors.Is(err, comms.ErrNAK) ||
		errors.Is(err, comms.ErrEmptyReply) ||
		errors.Is(err, comms.ErrMalformedReply) ||
		errors.Is(err, comms.ErrNonASCII) ||
		errors.Is(err, microlab.ErrUnexpectedReply)
}

type intGetter interface {
	Get(ctx context.Context) (int, error)
}

// intPoller refreshes an integer record from an operating parameter query.
func (m *Monitor) intPoller(pv *PV, g intGetter) poller {
	return poller{pv: pv, read: func(ctx context.Context) (any, Severity, error) {
		value, err := g.Get(ctx)
		if err != nil {
			return nil, NoAlarm, err
		}
		return int64(value), NoAlarm, nil
	}}
}

// errorPoller refreshes a boolean record from a yes/no error query,
// raising a major alarm on yes.
func (m *Monitor) errorPoller(pv *PV, req *microlab.InformationRequest) poller {
	return poller{pv: pv, read: func(ctx context.Context) (any, Severity, error) {
		failed, err := req.Request(ctx)
		if err != nil {
			return nil, NoAlarm, err
		}
		if failed {
			return true, MajorAlarm, nil
		}
		return false, NoAlarm, nil
	}}
}

// bytePoller refreshes an integer record from a status byte. The record
// holds the masked value shifted down; a major alarm is raised when any
// alarm-mask bit is set.
func (m *Monitor) bytePoller(pv *PV, req *microlab.ByteRequest, alarmMask, valueMask byte, shift uint) poller {
	return poller{pv: pv, read: func(ctx context.Context) (any, Severity, error) {
		b, err := req.Request(ctx)
		if err != nil {
			return nil, NoAlarm, err
		}
		severity := NoAlarm
		if b&alarmMask != 0 {
			severity = MajorAlarm
		}
		return int64((b & valueMask) >> shift), severity, nil
	}}
}

// componentPoller refreshes an integer record from one component's byte of
// the detailed error report.
func (m *Monitor) componentPoller(pv *PV, component microlab.Component) poller {
	return poller{pv: pv, read: func(ctx context.Context) (any, Severity, error) {
		report, err := m.pump.Errors.Request(ctx)
		if err != nil {
			return nil, NoAlarm, err
		}
		b := report[component]
		severity := NoAlarm
		if b&31 != 0 {
			severity = MajorAlarm
		}
		return int64(b & 31), severity, nil
	}}
}

// errorTextPoller refreshes a per-side syringe error text record from the
// error status byte. A failed request reads as "Request Error" rather than
// marking the record stale, so the text always reflects the last attempt.
func (m *Monitor) errorTextPoller(pv *PV, mask byte) poller {
	return poller{pv: pv, read: func(ctx context.Context) (any, Severity, error) {
		b, err := m.pump.ErrorStatus.Request(ctx)
		if err != nil {
			if isReplyError(err) {
				return "Request Error", InvalidAlarm, nil
			}
			return nil, NoAlarm, err
		}
		if b&mask != 0 {
			return "Syringe Error", MajorAlarm, nil
		}
		return "Ready", NoAlarm, nil
	}}
}

func (m *Monitor) readTimerBusy(ctx context.Context) (any, Severity, error) {
	busy, err := m.pump.Timer.Request(ctx)
	if err != nil {
		return nil, NoAlarm, err
	}
	return busy, NoAlarm, nil
}

// readBufferBusy reports whether the instrument still holds buffered
// commands, whether idle or executing.
func (m *Monitor) readBufferBusy(ctx context.Context) (any, Severity, error) {
	reply, err := m.pump.Done.Reply(ctx)
	if err != nil {
		return nil, NoAlarm, err
	}
	return reply == microlab.ReplyNo || reply == microlab.ReplyBusy, NoAlarm, nil
}

// readInstrumentBusy reports whether the instrument is executing commands.
func (m *Monitor) readInstrumentBusy(ctx context.Context) (any, Severity, error) {
	reply, err := m.pump.Done.Reply(ctx)
	if err != nil {
		return nil, NoAlarm, err
	}
	return reply == microlab.ReplyBusy, NoAlarm, nil
}
