package microlab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/DolicaAkelloEgwel/syringeposter/command"
	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

// DefaultAddress is the address a single instrument answers on after
// auto-addressing.
const DefaultAddress = "a"

// DefaultPollInterval is the delay between instrument-idle polls while a
// command cycle runs.
const DefaultPollInterval = 100 * time.Millisecond

// MinPollInterval is the smallest accepted cycle poll interval.
const MinPollInterval = time.Millisecond

// Informational query codes and instruction bodies the controller issues.
const (
	instrumentDoneCode = "F"
	syringeErrorCode   = "Z"
	valveErrorCode     = "G"
	configurationCode  = "H"
	handProbeCode      = "Q"

	initialiseBody  = "XR"
	firmwareBody    = "U"
	haltBody        = "K"
	resumeBody      = "$"
	clearBufferBody = "V"
	totalResetBody  = "!"
)

// Auto-address replies the instrument is known to emit; which one arrives
// depends on the instrument's power-up state.
var autoAddressReplies = []string{"1a", "1b"}

// ErrCycleRunning indicates a command cycle was started while another one
// was still running.
var ErrCycleRunning = errors.New("microlab: cycle already running")

// Link is the connection surface the controller drives. *comms.Conn
// satisfies it.
type Link interface {
	Transactor
	AutoAddress(ctx context.Context) (string, error)
	Close() error
}

// Microlab is a controller for one Hamilton Microlab 600 instrument.
//
// The exported request fields expose the instrument's read-only decoders
// for callers that poll status, such as a process-variable layer. They are
// assigned at construction and must not be replaced.
type Microlab struct {
	link       Link
	transactor Transactor
	addr       string
	log        logger.Logger

	initialised atomic.Bool

	// Done answers the instrument-idle query: yes when the instrument is
	// idle with an empty command buffer.
	Done *InformationRequest
	// SyringeError reports whether either syringe drive is in error.
	SyringeError *InformationRequest
	// ValveError reports whether either valve drive is in error.
	ValveError *InformationRequest
	// Configuration reports whether the instrument is a single-syringe
	// model.
	Configuration *InformationRequest
	// HandProbe reports whether the hand probe or foot switch is pressed.
	HandProbe *InformationRequest
	// Timer reports whether the instrument timer is counting down.
	Timer *TimerStatus
	// Status decodes the instrument status byte.
	Status *ByteRequest
	// BusyStatus decodes the per-drive busy byte.
	BusyStatus *ByteRequest
	// ErrorStatus decodes the per-drive error byte.
	ErrorStatus *ByteRequest
	// Errors decodes the four-byte detailed error report.
	Errors *ErrorRequest
	// Left and Right bundle the per-side operating parameters.
	Left  *SideParams
	Right *SideParams

	pollInterval time.Duration

	cycleMu    sync.Mutex
	cycleState atomic.Uint32
	cycleStop  chan struct{}
	cycleDone  chan struct{}

	// savedLevel and restoreLevel record the link logger level suppressed
	// for the duration of a cycle. Guarded by cycleMu.
	savedLevel   logger.Level
	restoreLevel bool
}

// Option configures a Microlab controller.
type Option interface {
	apply(*Microlab) error
}

type optFunc func(*Microlab) error

func (f optFunc) apply(m *Microlab) error { return f(m) }

// WithAddress sets the device address prefixed to every request. The
// address must be one printable ASCII character.
func WithAddress(addr string) Option {
	return optFunc(func(m *Microlab) error {
		if len(addr) != 1 || addr[0] <= ' ' || addr[0] > unicode.MaxASCII {
			return fmt.Errorf("microlab: invalid device address %q", addr)
		}
		m.addr = addr
		return nil
	})
}

// WithLogger sets the logger for the controller's own operations. The
// request decoders keep logging through the link's logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(m *Microlab) error {
		if l == nil {
			return errors.New("microlab: logger is nil")
		}
		m.log = l
		return nil
	})
}

// WithPollInterval sets the delay between instrument-idle polls during a
// command cycle.
func WithPollInterval(d time.Duration) Option {
	return optFunc(func(m *Microlab) error {
		if d < MinPollInterval {
			return fmt.Errorf("microlab: poll interval %v below minimum %v", d, MinPollInterval)
		}
		m.pollInterval = d
		return nil
	})
}

// New creates a controller for the instrument reachable through link.
func New(link Link, opts ...Option) (*Microlab, error) {
	if link == nil {
		return nil, errors.New("microlab: link is nil")
	}

	m := &Microlab{
		link:         link,
		addr:         DefaultAddress,
		log:          link.GetLogger(),
		pollInterval: DefaultPollInterval,
	}

	for _, opt := range opts {
		if err := opt.apply(m); err != nil {
			return nil, err
		}
	}

	t := &addressed{Transactor: link, addr: m.addr}
	m.transactor = t

	m.Done = NewInformationRequest(t, instrumentDoneCode, "instrument done request",
		"Instrument is idle and command buffer is empty",
		"Instrument is idle and command buffer is not empty",
		WithBusyMeaning("Instrument is busy"))
	m.SyringeError = NewInformationRequest(t, syringeErrorCode, "syringe error request",
		"Syringe overload or initialisation error",
		"No syringe error")
	m.ValveError = NewInformationRequest(t, valveErrorCode, "valve error request",
		"Valve overload or initialisation error",
		"No valve error")
	m.Configuration = NewInformationRequest(t, configurationCode, "instrument configuration request",
		"Single syringe instrument",
		"Dual syringe instrument")
	m.HandProbe = NewInformationRequest(t, handProbeCode, "hand probe request",
		"Switch is pressed",
		"Switch is not pressed")

	m.Timer = NewTimerStatus(t)
	m.Status = NewInstrumentStatusRequest(t)
	m.BusyStatus = NewInstrumentBusyStatus(t)
	m.ErrorStatus = NewInstrumentErrorStatus(t)
	m.Errors = NewErrorRequest(t)

	m.Left = NewSideParams(t, command.Left)
	m.Right = NewSideParams(t, command.Right)

	return m, nil
}

// Address returns the device address the controller targets.
func (m *Microlab) Address() string {
	return m.addr
}

// Link returns the connection the controller drives. Callers that manage
// link-level logging, such as a polling layer quieting per-request logs,
// reach the link logger through it.
func (m *Microlab) Link() Link {
	return m.link
}

// Initialised reports whether an initialise has succeeded since the
// controller was created.
func (m *Microlab) Initialised() bool {
	return m.initialised.Load()
}

// AutoAddress runs the bus auto-addressing sequence that assigns device
// addresses after power-up. Either of the two known reply tokens indicates
// success.
func (m *Microlab) AutoAddress(ctx context.Context) error {
	reply, err := m.link.AutoAddress(ctx)
	if err != nil {
		m.log.Error("Auto-address sequence failed", "error", err)
		return err
	}

	accepted := false
	for _, candidate := range autoAddressReplies {
		if reply == candidate {
			accepted = true
			break
		}
	}
	if !accepted {
		err := fmt.Errorf("%w: auto-address answered %q", ErrUnexpectedReply, reply)
		m.log.Error("Auto-address sequence failed", "error", err)
		return err
	}

	m.log.Debug("Auto-address sequence successful")

	return nil
}

// Initialise homes both syringe drives and valves.
func (m *Microlab) Initialise(ctx context.Context) error {
	if _, err := m.transactor.Transact(ctx, initialiseBody); err != nil {
		m.log.Error("Initialise failed", "error", err)
		return err
	}

	m.log.Debug("Initialise successful")
	m.initialised.Store(true)

	return nil
}

// FirmwareVersion reads the instrument's firmware version string.
func (m *Microlab) FirmwareVersion(ctx context.Context) (string, error) {
	version, err := m.transactor.Transact(ctx, firmwareBody)
	if err != nil {
		m.log.Error("Failed to get firmware version", "error", err)
		return "", err
	}

	m.log.Debug("Read firmware version", "version", version)

	return version, nil
}

// SendCommand renders cmd and issues it as one request. The instrument's
// acknowledgement carries no payload worth returning, so only the failure
// path is reported.
func (m *Microlab) SendCommand(ctx context.Context, cmd *command.Command) error {
	if cmd == nil {
		return fmt.Errorf("%w: nil command", command.ErrValidation)
	}

	body := cmd.Body()
	if _, err := m.transactor.Transact(ctx, body); err != nil {
		m.log.Error("Failed to send command", "body", body, "error", err)
		return err
	}

	return nil
}

// HaltExecution stops the instrument's current command immediately.
// Buffered commands stay queued and continue after ResumeExecution.
func (m *Microlab) HaltExecution(ctx context.Context) error {
	if _, err := m.transactor.Transact(ctx, haltBody); err != nil {
		m.log.Error("Failed to halt execution", "error", err)
		return err
	}

	m.log.Debug("Successfully halted execution")

	return nil
}

// ResumeExecution continues execution of buffered commands after a halt.
func (m *Microlab) ResumeExecution(ctx context.Context) error {
	if _, err := m.transactor.Transact(ctx, resumeBody); err != nil {
		m.log.Error("Failed to resume execution", "error", err)
		return err
	}

	m.log.Debug("Successfully resumed execution")

	return nil
}

// ClearBufferedCommands discards every command the instrument has buffered
// but not yet executed.
func (m *Microlab) ClearBufferedCommands(ctx context.Context) error {
	if _, err := m.transactor.Transact(ctx, clearBufferBody); err != nil {
		m.log.Error("Failed to clear buffered commands", "error", err)
		return err
	}

	m.log.Debug("Successfully cleared buffered commands")

	return nil
}

// TotalSystemReset power-cycles the instrument. On acknowledgement the
// process exits through the logger's fatal path, since the link and all
// addressing state die with the instrument's power supply.
func (m *Microlab) TotalSystemReset(ctx context.Context) error {
	if _, err := m.transactor.Transact(ctx, totalResetBody); err != nil {
		m.log.Error("Total system reset failed", "address", m.addr, "error", err)
		return err
	}

	m.log.Fatal("Resetting instrument")

	return nil
}

// Close stops any running cycle and releases the link.
func (m *Microlab) Close() error {
	m.StopCycle(true)
	return m.link.Close()
}
