package comms

import (
	"sync/atomic"
)

// LinkMetrics contains atomic metrics for a pump link.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type LinkMetrics struct {
	// TransactCount indicates the number of request/response exchanges attempted.
	TransactCount atomic.Uint64
	// NAKCount indicates the number of replies rejected by the pump.
	NAKCount atomic.Uint64
	// TimeoutCount indicates the number of receives that timed out.
	TimeoutCount atomic.Uint64
	// DecodeErrCount indicates the number of replies that were not valid ASCII.
	DecodeErrCount atomic.Uint64
	// MultiMessageCount indicates the number of receives that returned more
	// than one complete message.
	MultiMessageCount atomic.Uint64
	// DrainedByteCount indicates the total number of stale bytes discarded
	// while connecting.
	DrainedByteCount atomic.Uint64
}

func (m *LinkMetrics) incTransactCount() {
	m.TransactCount.Add(1)
}

func (m *LinkMetrics) incNAKCount() {
	m.NAKCount.Add(1)
}

func (m *LinkMetrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *LinkMetrics) incDecodeErrCount() {
	m.DecodeErrCount.Add(1)
}

func (m *LinkMetrics) incMultiMessageCount() {
	m.MultiMessageCount.Add(1)
}

func (m *LinkMetrics) addDrainedByteCount(n int) {
	m.DrainedByteCount.Add(uint64(n)) //nolint:gosec
}
