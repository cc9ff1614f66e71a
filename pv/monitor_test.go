package pv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DolicaAkelloEgwel/syringeposter/comms"
	"github.com/DolicaAkelloEgwel/syringeposter/logger"
	"github.com/DolicaAkelloEgwel/syringeposter/microlab"
)

// stubLink is an in-memory Link that records request bodies and answers
// them through a scriptable reply function.
type stubLink struct {
	mu       sync.Mutex
	log      logger.Logger
	requests []string
	reply    func(body string) (string, error)
}

func newStubLink(reply func(body string) (string, error)) *stubLink {
	return &stubLink{
		log:   logger.NewSlogWithOutput(logger.InfoLevel, false, io.Discard),
		reply: reply,
	}
}

func (s *stubLink) Transact(_ context.Context, body string) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, body)
	s.mu.Unlock()

	if s.reply == nil {
		return "", nil
	}
	return s.reply(body)
}

func (s *stubLink) GetLogger() logger.Logger { return s.log }

func (s *stubLink) AutoAddress(context.Context) (string, error) { return "1a", nil }

func (s *stubLink) Close() error { return nil }

func (s *stubLink) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *stubLink) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// scripted answers each request body from the table and fails requests the
// table does not cover, so a test notices unexpected traffic.
func scripted(replies map[string]string) func(string) (string, error) {
	return func(body string) (string, error) {
		if reply, ok := replies[body]; ok {
			return reply, nil
		}
		return "", fmt.Errorf("unscripted request %q", body)
	}
}

// healthyReplies scripts one answer for every request the poll loops issue
// against an idle, error-free instrument. Status bytes answer with '@',
// which carries no error or busy bits.
func healthyReplies() map[string]string {
	return map[string]string{
		"aU":    "MLB01.01.09",
		"aCLQP": "1",
		"aBLQP": "2",
		"aCYQS": "30",
		"aBYQS": "40",
		"aCLQS": "3",
		"aBLQS": "4",
		"aCYQN": "0",
		"aBYQN": "12",
		"aCYQB": "24",
		"aBYQB": "36",
		"aZ":    microlab.ReplyNo,
		"aG":    microlab.ReplyNo,
		"aT2":   "@",
		"aT1":   "@",
		"aE2":   "@@@@",
		"aE1":   "@",
		"aE3":   "@",
		"aF":    microlab.ReplyYes,
		"aCYQP": "24000",
		"aBYQP": "1",
	}
}

func newTestMonitor(t *testing.T, reply func(string) (string, error), opts ...MonitorOption) (*Monitor, *stubLink) {
	t.Helper()

	link := newStubLink(reply)
	pump, err := microlab.New(link)
	require.NoError(t, err)

	m, err := NewMonitor(pump, NewRegistry(discardLogger()), opts...)
	require.NoError(t, err)

	return m, link
}

func snapshotOf(t *testing.T, reg *Registry, name string) Update {
	t.Helper()

	p, ok := reg.Get(name)
	require.True(t, ok, "record %q not registered", name)

	return p.Snapshot()
}

func TestNewMonitorValidation(t *testing.T) {
	link := newStubLink(nil)
	pump, err := microlab.New(link)
	require.NoError(t, err)

	_, err = NewMonitor(nil, NewRegistry(discardLogger()))
	assert.Error(t, err)

	_, err = NewMonitor(pump, nil)
	assert.Error(t, err)

	_, err = NewMonitor(pump, NewRegistry(discardLogger()), WithPollPeriod(0))
	assert.Error(t, err)

	_, err = NewMonitor(pump, NewRegistry(discardLogger()), WithRetryPeriod(0))
	assert.Error(t, err)

	_, err = NewMonitor(pump, NewRegistry(discardLogger()), WithMonitorLogger(nil))
	assert.Error(t, err)
}

func TestMonitorRegistersRecords(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	reg := m.Registry()

	readbacks := []string{
		"Status", "FirmwareVersion", "MonitorActive", "DeviceInitialised",
		"CycleActive", "SyringeError", "ValveError",
		"InstrumentErrorStatus", "InstrumentBusyStatus", "InstrumentStatusRequest",
		"TimerBusyStatus", "CommandBufferBusyRequest", "InstrumentBusyRequest",
		"RFillLFlowSpeed_RBV", "RFlowLFillSpeed_RBV",
	}
	for _, prefix := range []string{"Right:", "Left:"} {
		readbacks = append(readbacks,
			prefix+"ValvePosition_RBV",
			prefix+"SyringeDefaultSpeed_RBV",
			prefix+"ValveSpeed_RBV",
			prefix+"SyringeDefaultReturnSteps_RBV",
			prefix+"SyringeDefaultBackOffSteps_RBV",
			prefix+"SyringeVolume_RBV",
			prefix+"SyringeError",
			prefix+"Syringe:ErrorRequest",
			prefix+"Valve:ErrorRequest",
			prefix+"VolumeIncreasing",
			prefix+"VolumeDecreasing",
			prefix+"MaximumSyringeVolume",
		)
	}
	for _, name := range readbacks {
		p, ok := reg.Get(name)
		require.True(t, ok, "record %q not registered", name)
		assert.False(t, p.Writable(), "record %q should be read-only", name)
	}

	setters := []string{
		"HaltExecution", "Initialise", "StartCycle", "StopCycle",
		"RFillLFlowSpeed", "RFlowLFillSpeed",
	}
	for _, prefix := range []string{"Right:", "Left:"} {
		setters = append(setters,
			prefix+"SyringeVolume",
			prefix+"SyringeDefaultSpeed",
			prefix+"ValveSpeed",
			prefix+"SyringeDefaultReturnSteps",
			prefix+"SyringeDefaultBackOffSteps",
			prefix+"ValveToInput",
			prefix+"ValveToOutput",
			prefix+"ChangeSyringeScale",
			prefix+"ChangeValvePosition",
			prefix+"SyringePickup",
			prefix+"SyringeDispense",
			prefix+"SyringePickupDispenseValue",
		)
	}
	for _, name := range setters {
		p, ok := reg.Get(name)
		require.True(t, ok, "record %q not registered", name)
		assert.True(t, p.Writable(), "record %q should be writable", name)
	}

	assert.Equal(t, InitialMaxVolume, snapshotOf(t, reg, "Right:MaximumSyringeVolume").Value)
	assert.Equal(t, InitialMaxVolume, snapshotOf(t, reg, "Left:MaximumSyringeVolume").Value)
	assert.Equal(t, 0.0, snapshotOf(t, reg, "MinimumVolume").Value)
}

func TestParameterRoundRefreshesRecords(t *testing.T) {
	m, link := newTestMonitor(t, scripted(healthyReplies()))
	reg := m.Registry()

	round := m.parameterLoop(context.Background())
	require.True(t, round())

	// The firmware version is read once, before the first round.
	want := []string{
		"aU",
		"aCLQP", "aBLQP",
		"aCYQS", "aBYQS",
		"aCLQS", "aBLQS",
		"aCYQN", "aBYQN",
		"aCYQB", "aBYQB",
		"aZ", "aG",
		"aT2", "aT2", "aT2",
		"aT1",
		"aE2", "aE2", "aE2", "aE2",
		"aE1",
	}
	assert.Equal(t, want, link.Requests())

	assert.Equal(t, "MLB01.01.09", snapshotOf(t, reg, "FirmwareVersion").Value)
	assert.Equal(t, int64(2), snapshotOf(t, reg, "RFillLFlowSpeed_RBV").Value,
		"cycle speeds start at the minimum speed")
	assert.Equal(t, int64(2), snapshotOf(t, reg, "RFlowLFillSpeed_RBV").Value)

	assert.Equal(t, int64(1), snapshotOf(t, reg, "Right:ValvePosition_RBV").Value)
	assert.Equal(t, int64(2), snapshotOf(t, reg, "Left:ValvePosition_RBV").Value)
	assert.Equal(t, int64(30), snapshotOf(t, reg, "Right:SyringeDefaultSpeed_RBV").Value)
	assert.Equal(t, int64(40), snapshotOf(t, reg, "Left:SyringeDefaultSpeed_RBV").Value)
	assert.Equal(t, int64(12), snapshotOf(t, reg, "Left:SyringeDefaultReturnSteps_RBV").Value)
	assert.Equal(t, int64(24), snapshotOf(t, reg, "Right:SyringeDefaultBackOffSteps_RBV").Value)

	assert.Equal(t, false, snapshotOf(t, reg, "SyringeError").Value)
	assert.Equal(t, NoAlarm, snapshotOf(t, reg, "SyringeError").Severity)
	assert.Equal(t, "Ready", snapshotOf(t, reg, "Right:SyringeError").Value)
	assert.Equal(t, "Ready", snapshotOf(t, reg, "Left:SyringeError").Value)
	assert.Equal(t, int64(0), snapshotOf(t, reg, "InstrumentStatusRequest").Value)
	assert.Equal(t, int64(0), snapshotOf(t, reg, "Right:Syringe:ErrorRequest").Value)

	// Later rounds poll only; the one-time startup work does not repeat.
	require.True(t, round())
	requests := link.Requests()
	assert.Len(t, requests, 2*len(want)-1)
	assert.Equal(t, "aCLQP", requests[len(want)])
}

func TestParameterRoundRaisesAlarms(t *testing.T) {
	replies := healthyReplies()
	replies["aZ"] = microlab.ReplyYes
	// 'H' is 0x48: bit 3 flags the right syringe in the error status byte.
	replies["aT2"] = "H"
	replies["aE1"] = "H"
	replies["aE2"] = "@@H@"

	m, _ := newTestMonitor(t, scripted(replies))
	reg := m.Registry()

	require.True(t, m.parameterLoop(context.Background())())

	syringeError := snapshotOf(t, reg, "SyringeError")
	assert.Equal(t, true, syringeError.Value)
	assert.Equal(t, MajorAlarm, syringeError.Severity)

	errorStatus := snapshotOf(t, reg, "InstrumentErrorStatus")
	assert.Equal(t, int64(8), errorStatus.Value)
	assert.Equal(t, MajorAlarm, errorStatus.Severity)

	right := snapshotOf(t, reg, "Right:SyringeError")
	assert.Equal(t, "Syringe Error", right.Value)
	assert.Equal(t, MajorAlarm, right.Severity)

	left := snapshotOf(t, reg, "Left:SyringeError")
	assert.Equal(t, "Ready", left.Value)
	assert.Equal(t, NoAlarm, left.Severity)

	status := snapshotOf(t, reg, "InstrumentStatusRequest")
	assert.Equal(t, int64(1), status.Value)
	assert.Equal(t, MajorAlarm, status.Severity)

	rightSyringes := snapshotOf(t, reg, "Right:Syringe:ErrorRequest")
	assert.Equal(t, int64(8), rightSyringes.Value)
	assert.Equal(t, MajorAlarm, rightSyringes.Severity)

	leftSyringes := snapshotOf(t, reg, "Left:Syringe:ErrorRequest")
	assert.Equal(t, int64(0), leftSyringes.Value)
	assert.Equal(t, NoAlarm, leftSyringes.Severity)
}

func TestBusyRound(t *testing.T) {
	t.Run("idle instrument", func(t *testing.T) {
		m, _ := newTestMonitor(t, scripted(healthyReplies()))
		reg := m.Registry()

		round := m.pollLoop(context.Background(), m.busyPollers, "Error raised in busy status monitor thread")
		require.True(t, round())

		assert.Equal(t, false, snapshotOf(t, reg, "TimerBusyStatus").Value)
		assert.Equal(t, false, snapshotOf(t, reg, "CommandBufferBusyRequest").Value)
		assert.Equal(t, false, snapshotOf(t, reg, "InstrumentBusyRequest").Value)
	})

	t.Run("executing instrument", func(t *testing.T) {
		replies := healthyReplies()
		// 'A' is 0x41: the timer busy bit is set.
		replies["aE3"] = "A"
		replies["aF"] = microlab.ReplyBusy

		m, _ := newTestMonitor(t, scripted(replies))
		reg := m.Registry()

		round := m.pollLoop(context.Background(), m.busyPollers, "Error raised in busy status monitor thread")
		require.True(t, round())

		assert.Equal(t, true, snapshotOf(t, reg, "TimerBusyStatus").Value)
		assert.Equal(t, true, snapshotOf(t, reg, "CommandBufferBusyRequest").Value)
		assert.Equal(t, true, snapshotOf(t, reg, "InstrumentBusyRequest").Value)
	})

	t.Run("idle with buffered commands", func(t *testing.T) {
		replies := healthyReplies()
		replies["aF"] = microlab.ReplyNo

		m, _ := newTestMonitor(t, scripted(replies))
		reg := m.Registry()

		round := m.pollLoop(context.Background(), m.busyPollers, "Error raised in busy status monitor thread")
		require.True(t, round())

		assert.Equal(t, true, snapshotOf(t, reg, "CommandBufferBusyRequest").Value)
		assert.Equal(t, false, snapshotOf(t, reg, "InstrumentBusyRequest").Value)
	})
}

func TestReplyFailureMarksRecordStale(t *testing.T) {
	healthy := scripted(healthyReplies())
	reply := func(body string) (string, error) {
		if body == "aCLQP" {
			return "", comms.ErrNAK
		}
		return healthy(body)
	}

	m, link := newTestMonitor(t, reply)
	reg := m.Registry()

	require.True(t, m.parameterLoop(context.Background())())

	stale := snapshotOf(t, reg, "Right:ValvePosition_RBV")
	assert.Equal(t, InvalidAlarm, stale.Severity)

	// The round carries on past the failed record without backing off.
	requests := link.Requests()
	assert.Equal(t, "aE1", requests[len(requests)-1])
	assert.Equal(t, int64(2), snapshotOf(t, reg, "Left:ValvePosition_RBV").Value)

	status := snapshotOf(t, reg, "Status")
	assert.Equal(t, "", status.Value)
}

func TestLinkFailureBacksOffAndReports(t *testing.T) {
	healthy := scripted(healthyReplies())
	reply := func(body string) (string, error) {
		if body == "aCYQS" {
			return "", errors.New("serial port gone")
		}
		return healthy(body)
	}

	m, link := newTestMonitor(t, reply, WithRetryPeriod(time.Hour))
	reg := m.Registry()

	round := m.parameterLoop(context.Background())
	require.True(t, round())

	// Firmware, the two valve positions, then the failing speed query.
	assert.Equal(t, []string{"aU", "aCLQP", "aBLQP", "aCYQS"}, link.Requests())

	assert.Equal(t, InvalidAlarm, snapshotOf(t, reg, "Right:SyringeDefaultSpeed_RBV").Severity)
	assert.Equal(t, "Error in parameter monitor thread: serial port gone",
		snapshotOf(t, reg, "Status").Value)

	// Within the retry period the loop stays off the wire.
	require.True(t, round())
	assert.Len(t, link.Requests(), 4)
}

func TestVolumeRound(t *testing.T) {
	m, _ := newTestMonitor(t, scripted(healthyReplies()))
	reg := m.Registry()

	require.True(t, m.volumeLoop(context.Background())())

	assert.InDelta(t, 5.0, snapshotOf(t, reg, "Right:SyringeVolume_RBV").Value, 1e-9)
	assert.Equal(t, 0.0, snapshotOf(t, reg, "Left:SyringeVolume_RBV").Value,
		"position 1 is the empty stop")
}

func TestDirectionRound(t *testing.T) {
	positions := []string{"100", "200", "150", "150"}
	polls := 0
	healthy := scripted(healthyReplies())
	reply := func(body string) (string, error) {
		if body == "aCYQP" {
			position := positions[polls]
			polls++
			return position, nil
		}
		return healthy(body)
	}

	m, _ := newTestMonitor(t, reply)
	reg := m.Registry()

	updates, cancelSub := reg.Subscribe(8)
	defer cancelSub()

	round := m.directionLoop(context.Background(), m.right)

	// A single sample gives no direction yet.
	require.True(t, round())
	assert.Empty(t, updates)

	require.True(t, round())
	up := <-updates
	assert.Equal(t, "Right:VolumeIncreasing", up.Name)
	assert.Equal(t, true, up.Value)
	assert.Empty(t, updates, "the unchanged opposite direction is not republished")

	require.True(t, round())
	assert.Equal(t, false, snapshotOf(t, reg, "Right:VolumeIncreasing").Value)
	assert.Equal(t, true, snapshotOf(t, reg, "Right:VolumeDecreasing").Value)

	require.True(t, round())
	assert.Equal(t, false, snapshotOf(t, reg, "Right:VolumeIncreasing").Value)
	assert.Equal(t, false, snapshotOf(t, reg, "Right:VolumeDecreasing").Value)
}

func TestStartStopManagesLinkLogLevel(t *testing.T) {
	// A long poll period keeps the loops to their tickers, so the test sees
	// only Start and Stop behaviour.
	m, link := newTestMonitor(t, scripted(healthyReplies()), WithPollPeriod(time.Hour))
	reg := m.Registry()

	require.Equal(t, logger.InfoLevel, link.GetLogger().Level())
	assert.Equal(t, false, snapshotOf(t, reg, "MonitorActive").Value)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx))
	assert.Equal(t, logger.ErrorLevel, link.GetLogger().Level())
	assert.Equal(t, true, snapshotOf(t, reg, "MonitorActive").Value)

	assert.Error(t, m.Start(ctx), "a running monitor cannot start again")

	m.Stop()
	assert.Equal(t, logger.InfoLevel, link.GetLogger().Level())
	assert.Equal(t, false, snapshotOf(t, reg, "MonitorActive").Value)

	// Stopping a stopped monitor does nothing, and it can start again.
	m.Stop()
	require.NoError(t, m.Start(ctx))
	m.Stop()
}

func TestSetStatus(t *testing.T) {
	mockLogger := newRecordingLogger()
	m, _ := newTestMonitor(t, nil, WithMonitorLogger(mockLogger))
	reg := m.Registry()

	m.SetStatus("Lost contact with instrument", logger.WarnLevel)
	assert.Equal(t, "Lost contact with instrument", snapshotOf(t, reg, "Status").Value)
	mockLogger.AssertNumberOfCalls(t, "Warn", 1)

	// A repeated message is neither republished nor logged again.
	m.SetStatus("Lost contact with instrument", logger.WarnLevel)
	mockLogger.AssertNumberOfCalls(t, "Warn", 1)

	m.SetStatus("Contact restored", logger.InfoLevel)
	assert.Equal(t, "Contact restored", snapshotOf(t, reg, "Status").Value)
	mockLogger.AssertNumberOfCalls(t, "Info", 1)
}
