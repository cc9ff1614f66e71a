package pv

import (
	"context"
	"fmt"
	"sync"

	"github.com/DolicaAkelloEgwel/syringeposter/command"
	"github.com/DolicaAkelloEgwel/syringeposter/microlab"
)

// ValvePositions lists the ports selectable through the ChangeValvePosition
// records, in index order.
var ValvePositions = []string{"Inlet", "Outlet"}

// sideMonitor carries the records and conversion state of one side of the
// pump. maxVolume and positions are guarded by mu; the records themselves
// are safe for concurrent use.
type sideMonitor struct {
	side   command.Side
	prefix string
	params *microlab.SideParams

	mu        sync.Mutex
	maxVolume float64
	positions [2]int
	samples   int

	maxVolumePV *PV
	volumeRBV   *PV
	increasing  *PV
	decreasing  *PV
	pickupValue *PV
}

func newSideMonitor(side command.Side, prefix string, params *microlab.SideParams) *sideMonitor {
	return &sideMonitor{
		side:      side,
		prefix:    prefix,
		params:    params,
		maxVolume: InitialMaxVolume,
	}
}

func (s *sideMonitor) name(suffix string) string { return s.prefix + suffix }

func (s *sideMonitor) maxVol() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxVolume
}

func (s *sideMonitor) setMaxVol(v float64) {
	s.mu.Lock()
	s.maxVolume = v
	s.mu.Unlock()
}

// recordPosition appends a syringe position to the two-sample history and
// reports the movement direction. Equal samples report neither, and no
// direction is known until two samples exist.
func (s *sideMonitor) recordPosition(pos int) (increasing, decreasing, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[0], s.positions[1] = s.positions[1], pos
	if s.samples < 2 {
		s.samples++
	}
	if s.samples < 2 {
		return false, false, false
	}

	return s.positions[0] < s.positions[1], s.positions[0] > s.positions[1], true
}

// buildRecords registers every process variable the monitor serves and
// collects the read-side records into the poll tables consumed by the
// monitor loops.
func (m *Monitor) buildRecords() {
	m.status = m.reg.AddString("Status")
	m.firmware = m.reg.AddString("FirmwareVersion")

	for _, s := range []*sideMonitor{m.right, m.left} {
		s.maxVolumePV = m.reg.AddFloat(s.name("MaximumSyringeVolume"))
		_ = s.maxVolumePV.Set(InitialMaxVolume)
	}
	_ = m.reg.AddFloat("MinimumVolume").Set(0.0)

	m.paramPollers = []poller{
		m.intPoller(m.reg.AddInt(m.right.name("ValvePosition_RBV")), m.right.params.ValvePosition),
		m.intPoller(m.reg.AddInt(m.left.name("ValvePosition_RBV")), m.left.params.ValvePosition),
		m.intPoller(m.reg.AddInt(m.right.name("SyringeDefaultSpeed_RBV")), m.right.params.SyringeDefaultSpeed),
		m.intPoller(m.reg.AddInt(m.left.name("SyringeDefaultSpeed_RBV")), m.left.params.SyringeDefaultSpeed),
		m.intPoller(m.reg.AddInt(m.right.name("ValveSpeed_RBV")), m.right.params.ValveSpeed),
		m.intPoller(m.reg.AddInt(m.left.name("ValveSpeed_RBV")), m.left.params.ValveSpeed),
		m.intPoller(m.reg.AddInt(m.right.name("SyringeDefaultReturnSteps_RBV")), m.right.params.SyringeDefaultReturnSteps),
		m.intPoller(m.reg.AddInt(m.left.name("SyringeDefaultReturnSteps_RBV")), m.left.params.SyringeDefaultReturnSteps),
		m.intPoller(m.reg.AddInt(m.right.name("SyringeDefaultBackOffSteps_RBV")), m.right.params.SyringeDefaultBackOffSteps),
		m.intPoller(m.reg.AddInt(m.left.name("SyringeDefaultBackOffSteps_RBV")), m.left.params.SyringeDefaultBackOffSteps),
		m.errorPoller(m.reg.AddBool("SyringeError"), m.pump.SyringeError),
		m.errorPoller(m.reg.AddBool("ValveError"), m.pump.ValveError),
		m.bytePoller(m.reg.AddInt("InstrumentErrorStatus"), m.pump.ErrorStatus, 15, 0x0F, 0),
		m.errorTextPoller(m.reg.AddString(m.right.name("SyringeError")), 8),
		m.errorTextPoller(m.reg.AddString(m.left.name("SyringeError")), 2),
		m.bytePoller(m.reg.AddInt("InstrumentBusyStatus"), m.pump.BusyStatus, 0, 0x03, 0),
		m.componentPoller(m.reg.AddInt(m.right.name("Syringe:ErrorRequest")), microlab.RightSyringes),
		m.componentPoller(m.reg.AddInt(m.left.name("Syringe:ErrorRequest")), microlab.LeftSyringes),
		m.componentPoller(m.reg.AddInt(m.right.name("Valve:ErrorRequest")), microlab.RightValves),
		m.componentPoller(m.reg.AddInt(m.left.name("Valve:ErrorRequest")), microlab.LeftValves),
		m.bytePoller(m.reg.AddInt("InstrumentStatusRequest"), m.pump.Status, 30, 0x1F, 3),
	}

	m.busyPollers = []poller{
		{m.reg.AddBool("TimerBusyStatus"), m.readTimerBusy},
		{m.reg.AddBool("CommandBufferBusyRequest"), m.readBufferBusy},
		{m.reg.AddBool("InstrumentBusyRequest"), m.readInstrumentBusy},
	}

	m.haltButton = m.reg.AddSetter("HaltExecution", KindInt, m.handleHalt)
	m.reg.AddSetter("Initialise", KindInt, m.handleInitialise)
	m.initialised = m.reg.AddBool("DeviceInitialised")

	for _, s := range []*sideMonitor{m.right, m.left} {
		side := s.side

		s.volumeRBV = m.reg.AddFloat(s.name("SyringeVolume_RBV"))
		m.reg.AddSetter(s.name("SyringeVolume"), KindFloat, m.volumeHandler(s))

		m.reg.AddSetter(s.name("SyringeDefaultSpeed"), KindInt, paramSetter(s.params.SyringeDefaultSpeed))
		m.reg.AddSetter(s.name("ValveSpeed"), KindInt, paramSetter(s.params.ValveSpeed))
		m.reg.AddSetter(s.name("SyringeDefaultReturnSteps"), KindInt, paramSetter(s.params.SyringeDefaultReturnSteps))
		m.reg.AddSetter(s.name("SyringeDefaultBackOffSteps"), KindInt, paramSetter(s.params.SyringeDefaultBackOffSteps))

		m.reg.AddSetter(s.name("ValveToInput"), KindInt, func(ctx context.Context, _ any) error {
			return m.moveValveToInput(ctx, side)
		})
		m.reg.AddSetter(s.name("ValveToOutput"), KindInt, func(ctx context.Context, _ any) error {
			return m.moveValveToOutput(ctx, side)
		})

		s.increasing = m.reg.AddBool(s.name("VolumeIncreasing"))
		s.decreasing = m.reg.AddBool(s.name("VolumeDecreasing"))

		m.reg.AddSetter(s.name("ChangeSyringeScale"), KindInt, m.scaleHandler(s))
		m.reg.AddSetter(s.name("ChangeValvePosition"), KindInt, m.valvePositionHandler(side))

		m.reg.AddSetter(s.name("SyringePickup"), KindInt, m.pickupHandler(s))
		m.reg.AddSetter(s.name("SyringeDispense"), KindInt, m.dispenseHandler(s))
		s.pickupValue = m.reg.AddValue(s.name("SyringePickupDispenseValue"), KindFloat)
	}

	m.startButton = m.reg.AddSetter("StartCycle", KindInt, m.handleStartCycle)
	m.stopButton = m.reg.AddSetter("StopCycle", KindInt, m.handleStopCycle)
	m.cycleActive = m.reg.AddBool("CycleActive")

	m.rfillLflow = m.reg.AddInt("RFillLFlowSpeed_RBV")
	m.reg.AddSetter("RFillLFlowSpeed", KindInt, m.cycleSpeedSetter(m.rfillLflow, "right fill / left flow"))
	m.rflowLfill = m.reg.AddInt("RFlowLFillSpeed_RBV")
	m.reg.AddSetter("RFlowLFillSpeed", KindInt, m.cycleSpeedSetter(m.rflowLfill, "right flow / left fill"))

	m.active = m.reg.AddBool("MonitorActive")
}

// buttonPressed reports whether a button record received a non-zero value.
// Message buttons write zero back to reset themselves; those writes are
// ignored.
func buttonPressed(value any) bool {
	v, ok := value.(int64)
	return ok && v != 0
}

func intValue(p *PV) int64 {
	v, _ := p.Snapshot().Value.(int64)
	return v
}

func floatValue(p *PV) float64 {
	v, _ := p.Snapshot().Value.(float64)
	return v
}

// paramSetter forwards written values to an instrument operating parameter.
func paramSetter(p *microlab.Parameter) Handler {
	return func(ctx context.Context, value any) error {
		return p.Set(ctx, int(value.(int64)))
	}
}

// cycleSpeedSetter validates a cycle speed and mirrors accepted values into
// the matching readback record.
func (m *Monitor) cycleSpeedSetter(readback *PV, label string) Handler {
	return func(_ context.Context, value any) error {
		speed := value.(int64)
		if speed < command.MinSpeed || speed > command.MaxSpeed {
			return fmt.Errorf("%w: %s speed %d outside acceptable range [%d, %d]",
				command.ErrValidation, label, speed, command.MinSpeed, command.MaxSpeed)
		}
		return readback.Set(speed)
	}
}

// sendSingle wraps one sub-command into a buffered command and sends it.
func (m *Monitor) sendSingle(ctx context.Context, sub command.SubCommand) error {
	cmd, err := command.NewCommand(sub)
	if err != nil {
		return err
	}
	return m.pump.SendCommand(ctx, cmd)
}

func (m *Monitor) moveValveToInput(ctx context.Context, side command.Side) error {
	if err := m.sendSingle(ctx, command.NewValveToDefaultInput(side)); err != nil {
		return err
	}
	m.log.Info("Moving " + side.String() + " valve to input")
	return nil
}

func (m *Monitor) moveValveToOutput(ctx context.Context, side command.Side) error {
	if err := m.sendSingle(ctx, command.NewValveToDefaultOutput(side)); err != nil {
		return err
	}
	m.log.Info("Moving " + side.String() + " valve to output")
	return nil
}

// handleHalt stops command execution, clears the buffer and resets the
// movement direction records.
func (m *Monitor) handleHalt(ctx context.Context, value any) error {
	if !buttonPressed(value) {
		return nil
	}

	if err := m.pump.HaltExecution(ctx); err != nil {
		return err
	}
	if err := m.pump.ClearBufferedCommands(ctx); err != nil {
		return err
	}

	for _, s := range []*sideMonitor{m.right, m.left} {
		_ = s.increasing.Set(false)
		_ = s.decreasing.Set(false)
	}
	_ = m.haltButton.Set(int64(0))

	return nil
}

func (m *Monitor) handleInitialise(ctx context.Context, _ any) error {
	if err := m.pump.Initialise(ctx); err != nil {
		return err
	}
	return m.initialised.Set(true)
}

// scaleHandler changes a side's syringe scale. The written value is an
// index into SyringeSizes.
func (m *Monitor) scaleHandler(s *sideMonitor) Handler {
	return func(_ context.Context, value any) error {
		volume, err := SyringeSizeValue(int(value.(int64)))
		if err != nil {
			return err
		}
		s.setMaxVol(volume)
		return s.maxVolumePV.Set(volume)
	}
}

// valvePositionHandler switches a valve by position index rather than by
// dedicated button.
func (m *Monitor) valvePositionHandler(side command.Side) Handler {
	return func(ctx context.Context, value any) error {
		idx := value.(int64)
		if idx < 0 || idx >= int64(len(ValvePositions)) {
			return fmt.Errorf("pv: valve position index %d outside [0, %d]", idx, len(ValvePositions)-1)
		}
		if ValvePositions[idx] == "Inlet" {
			return m.moveValveToInput(ctx, side)
		}
		return m.moveValveToOutput(ctx, side)
	}
}

// volumeHandler moves a syringe to the position holding the written volume.
func (m *Monitor) volumeHandler(s *sideMonitor) Handler {
	return func(ctx context.Context, value any) error {
		move, err := command.NewSyringeMove(s.side, VolumeToSteps(value.(float64), s.maxVol()))
		if err != nil {
			return err
		}
		return m.sendSingle(ctx, move)
	}
}

// pickupHandler draws the volume held by the side's pickup/dispense value
// record into the syringe.
func (m *Monitor) pickupHandler(s *sideMonitor) Handler {
	return func(ctx context.Context, value any) error {
		if !buttonPressed(value) {
			return nil
		}
		sub, err := command.NewSyringePickup(s.side, VolumeToSteps(floatValue(s.pickupValue), s.maxVol()))
		if err != nil {
			return err
		}
		return m.sendSingle(ctx, sub)
	}
}

// dispenseHandler pushes the volume held by the side's pickup/dispense
// value record out of the syringe.
func (m *Monitor) dispenseHandler(s *sideMonitor) Handler {
	return func(ctx context.Context, value any) error {
		if !buttonPressed(value) {
			return nil
		}
		sub, err := command.NewSyringeDispense(s.side, VolumeToSteps(floatValue(s.pickupValue), s.maxVol()))
		if err != nil {
			return err
		}
		return m.sendSingle(ctx, sub)
	}
}

// handleStartCycle starts the alternating transfer cycle at the configured
// fill and flow speeds.
func (m *Monitor) handleStartCycle(_ context.Context, value any) error {
	if !buttonPressed(value) {
		return nil
	}

	commands, err := transferCycle(int(intValue(m.rfillLflow)), int(intValue(m.rflowLfill)))
	if err != nil {
		return err
	}

	if err := m.pump.StartCycle(m.runCtx(), commands); err != nil {
		return err
	}

	_ = m.cycleActive.Set(true)
	_ = m.stopButton.Set(int64(0))

	return nil
}

// handleStopCycle stops the transfer cycle and clears whatever the
// instrument still holds buffered.
func (m *Monitor) handleStopCycle(ctx context.Context, value any) error {
	if !buttonPressed(value) {
		return nil
	}

	m.pump.StopCycle(false)
	err := m.pump.ClearBufferedCommands(ctx)
	_ = m.cycleActive.Set(false)
	_ = m.startButton.Set(int64(0))

	return err
}

// transferCycle builds the two commands the cycle alternates between:
// empty the right syringe to its output while the left fills from its
// input, then the reverse. Each transfer runs both syringes at the speed
// configured for that direction.
func transferCycle(rfillLflow, rflowLfill int) ([]*command.Command, error) {
	emptyRight, err := command.NewSyringeMove(command.Right, command.MinSyringeMove,
		command.WithSpeed(float64(rflowLfill)))
	if err != nil {
		return nil, err
	}
	fillLeft, err := command.NewSyringeMove(command.Left, command.MaxSyringeMove,
		command.WithSpeed(float64(rflowLfill)))
	if err != nil {
		return nil, err
	}
	emptyRightFillLeft, err := command.NewCommand(
		command.NewValveToDefaultOutput(command.Right),
		emptyRight,
		command.NewValveToDefaultInput(command.Left),
		fillLeft,
	)
	if err != nil {
		return nil, err
	}

	fillRight, err := command.NewSyringeMove(command.Right, command.MaxSyringeMove,
		command.WithSpeed(float64(rfillLflow)))
	if err != nil {
		return nil, err
	}
	emptyLeft, err := command.NewSyringeMove(command.Left, command.MinSyringeMove,
		command.WithSpeed(float64(rfillLflow)))
	if err != nil {
		return nil, err
	}
	emptyLeftFillRight, err := command.NewCommand(
		command.NewValveToDefaultInput(command.Right),
		fillRight,
		command.NewValveToDefaultOutput(command.Left),
		emptyLeft,
	)
	if err != nil {
		return nil, err
	}

	return []*command.Command{emptyRightFillLeft, emptyLeftFillRight}, nil
}
