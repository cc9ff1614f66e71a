package microlab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

func TestInformationRequest(t *testing.T) {
	newRequest := func(reply string, opts ...InfoOption) (*InformationRequest, *stubLink, *logger.MockLogger) {
		link := newStubLink(func(string) (string, error) { return reply, nil })
		mockLogger := newRecordingLogger()
		link.log = mockLogger
		r := NewInformationRequest(link, "F", "instrument done request",
			"Instrument is idle and command buffer is empty",
			"Instrument is idle and command buffer is not empty",
			opts...)
		return r, link, mockLogger
	}

	t.Run("yes reply", func(t *testing.T) {
		r, link, mockLogger := newRequest(ReplyYes)

		idle, err := r.Request(context.Background())
		require.NoError(t, err)
		assert.True(t, idle)
		assert.Equal(t, []string{"F"}, link.Requests())
		mockLogger.AssertCalled(t, "Info", "Instrument is idle and command buffer is empty", mock.Anything)
	})

	t.Run("no reply", func(t *testing.T) {
		r, _, mockLogger := newRequest(ReplyNo)

		idle, err := r.Request(context.Background())
		require.NoError(t, err)
		assert.False(t, idle)
		mockLogger.AssertCalled(t, "Info", "Instrument is idle and command buffer is not empty", mock.Anything)
	})

	t.Run("busy reply accepted when configured", func(t *testing.T) {
		r, _, mockLogger := newRequest(ReplyBusy, WithBusyMeaning("Instrument is busy"))

		idle, err := r.Request(context.Background())
		require.NoError(t, err)
		assert.False(t, idle)
		mockLogger.AssertCalled(t, "Info", "Instrument is busy", mock.Anything)
	})

	t.Run("busy reply rejected without configuration", func(t *testing.T) {
		r, _, mockLogger := newRequest(ReplyBusy)

		_, err := r.Request(context.Background())
		assert.ErrorIs(t, err, ErrUnexpectedReply)
		mockLogger.AssertCalled(t, "Error", "Unable to carry out instrument done request", mock.Anything)
	})

	t.Run("unexpected reply", func(t *testing.T) {
		r, _, mockLogger := newRequest("?")

		_, err := r.Request(context.Background())
		assert.ErrorIs(t, err, ErrUnexpectedReply)
		mockLogger.AssertCalled(t, "Error", "Unable to carry out instrument done request", mock.Anything)
	})

	t.Run("transact failure", func(t *testing.T) {
		link := newStubLink(func(string) (string, error) { return "", errStub })
		mockLogger := newRecordingLogger()
		link.log = mockLogger
		r := NewInformationRequest(link, "Z", "syringe error request",
			"Syringe overload or initialisation error", "No syringe error")

		_, err := r.Request(context.Background())
		assert.ErrorIs(t, err, errStub)
		mockLogger.AssertCalled(t, "Error", "Unable to carry out syringe error request", mock.Anything)
	})

	t.Run("raw reply accessor", func(t *testing.T) {
		r, _, _ := newRequest(ReplyNo)

		reply, err := r.Reply(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ReplyNo, reply)
	})
}

func TestControllerInformationRequestCodes(t *testing.T) {
	link := newStubLink(func(body string) (string, error) {
		// Z and G answer no, F answers yes, H reports a dual-syringe
		// instrument and Q an unpressed switch.
		switch body {
		case "aF":
			return ReplyYes, nil
		default:
			return ReplyNo, nil
		}
	})

	m, err := New(link)
	require.NoError(t, err)

	ctx := context.Background()

	idle, err := m.Done.Request(ctx)
	require.NoError(t, err)
	assert.True(t, idle)

	for _, r := range []*InformationRequest{m.SyringeError, m.ValveError, m.Configuration, m.HandProbe} {
		answered, err := r.Request(ctx)
		require.NoError(t, err)
		assert.False(t, answered)
	}

	assert.Equal(t, []string{"aF", "aZ", "aG", "aH", "aQ"}, link.Requests())
}
