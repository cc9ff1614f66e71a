package comms

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

// newPipeConn returns a Conn whose stream is one end of an in-memory pipe,
// with the other end handed back for scripting replies.
func newPipeConn(t *testing.T, opts ...Option) (*Conn, net.Conn) {
	t.Helper()

	cfgOpts := append([]Option{WithReceiveTimeout(200 * time.Millisecond)}, opts...)
	cfg, err := NewConfig("127.0.0.1", 4001, cfgOpts...)
	require.NoError(t, err)

	c, err := NewConn(cfg)
	require.NoError(t, err)

	client, server := net.Pipe()
	c.stream = client

	t.Cleanup(func() {
		_ = c.Close()
		_ = server.Close()
	})

	return c, server
}

// serveReply consumes one request frame and answers with the given raw bytes.
// An empty reply leaves the request unanswered.
func serveReply(t *testing.T, server net.Conn, reply []byte) {
	t.Helper()

	go func() {
		buf := make([]byte, 64)
		if _, err := server.Read(buf); err != nil {
			return
		}
		if len(reply) > 0 {
			_, _ = server.Write(reply)
		}
	}()
}

func newQuietLogger() *logger.MockLogger {
	l := logger.NewMockLogger()
	l.On("Debug", mock.Anything, mock.Anything).Return()
	l.On("Info", mock.Anything, mock.Anything).Return()
	l.On("Warn", mock.Anything, mock.Anything).Return()
	l.On("Error", mock.Anything, mock.Anything).Return()

	return l
}

func TestConn_Transact_Classification(t *testing.T) {
	tests := []struct {
		name    string
		reply   []byte
		want    string
		wantErr error
	}{
		{
			name:  "accepted with payload",
			reply: []byte("\x06A\r"),
			want:  "A",
		},
		{
			name:  "accepted with empty payload",
			reply: []byte("\x06\r"),
			want:  "",
		},
		{
			name: "status byte with no flags survives trimming",
			// 0x40 is a data byte, not a control character; the byte
			// decoders rely on it reaching them intact.
			reply: []byte("\x06@\r"),
			want:  "@",
		},
		{
			name:    "rejected",
			reply:   []byte("\x21\r"),
			wantErr: ErrNAK,
		},
		{
			name:    "reply without terminator",
			reply:   []byte("\x06A"),
			wantErr: ErrEmptyReply,
		},
		{
			name:    "reply is not ASCII",
			reply:   []byte{ACK, 0xFF, CR},
			wantErr: ErrNonASCII,
		},
		{
			name:  "unterminated trailing bytes are ignored",
			reply: []byte("\x06A\rxx"),
			want:  "A",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, server := newPipeConn(t)
			serveReply(t, server, tt.reply)

			got, err := c.Transact(context.Background(), "aF")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConn_Transact_MultipleMessages(t *testing.T) {
	mockLogger := newQuietLogger()
	c, server := newPipeConn(t, WithLogger(mockLogger))

	// Two complete messages in one receive: the final one wins.
	serveReply(t, server, []byte("\x06A\r\x06B\r"))

	got, err := c.Transact(context.Background(), "aF")
	require.NoError(t, err)
	assert.Equal(t, "B", got)

	assert.Equal(t, uint64(1), c.GetMetrics().MultiMessageCount.Load())
	mockLogger.AssertNumberOfCalls(t, "Warn", 1)
}

func TestConn_Transact_Timeout(t *testing.T) {
	c, server := newPipeConn(t, WithReceiveTimeout(50*time.Millisecond))

	// Consume the request but never answer.
	serveReply(t, server, nil)

	_, err := c.Transact(context.Background(), "aF")
	require.ErrorIs(t, err, ErrReceiveTimeout)
	assert.Equal(t, uint64(1), c.GetMetrics().TimeoutCount.Load())
}

func TestConn_Transact_NotConnected(t *testing.T) {
	cfg, err := NewConfig("127.0.0.1", 4001)
	require.NoError(t, err)

	c, err := NewConn(cfg)
	require.NoError(t, err)

	_, err = c.Transact(context.Background(), "aF")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConn_Transact_CancelledWhileWaitingForGate(t *testing.T) {
	c, _ := newPipeConn(t)

	// Occupy the transaction gate so the next caller has to wait.
	c.gate <- struct{}{}
	defer func() { <-c.gate }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Transact(ctx, "aF")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConn_Transact_SerializesConcurrentCallers(t *testing.T) {
	c, server := newPipeConn(t)

	const callers = 4

	go func() {
		buf := make([]byte, 64)
		for i := 0; i < callers; i++ {
			if _, err := server.Read(buf); err != nil {
				return
			}
			if _, err := server.Write([]byte("\x06OK\r")); err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			got, err := c.Transact(context.Background(), "aF")
			assert.NoError(t, err)
			assert.Equal(t, "OK", got)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(callers), c.GetMetrics().TransactCount.Load())
}

func TestConn_AutoAddress(t *testing.T) {
	t.Run("returns first message verbatim", func(t *testing.T) {
		c, server := newPipeConn(t)
		serveReply(t, server, []byte("1b\r"))

		got, err := c.AutoAddress(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "1b", got)
	})

	t.Run("echoed request is also a valid reply", func(t *testing.T) {
		c, server := newPipeConn(t)
		serveReply(t, server, []byte("1a\r"))

		got, err := c.AutoAddress(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "1a", got)
	})

	t.Run("rejection", func(t *testing.T) {
		c, server := newPipeConn(t)
		serveReply(t, server, []byte("\x21\r"))

		_, err := c.AutoAddress(context.Background())
		assert.ErrorIs(t, err, ErrNAK)
	})
}

func TestConn_Connect_DrainsStaleBytes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	// On accept, emit power-on chatter, then answer one transaction.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		_, _ = conn.Write([]byte("*\r*\r"))

		buf := make([]byte, 64)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		_, _ = conn.Write([]byte("\x06Y\r"))
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	cfg, err := NewConfig("127.0.0.1", port, WithReceiveTimeout(100*time.Millisecond))
	require.NoError(t, err)

	c, err := NewConn(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, uint64(4), c.GetMetrics().DrainedByteCount.Load())

	got, err := c.Transact(context.Background(), "aF")
	require.NoError(t, err)
	assert.Equal(t, "Y", got)
}

func TestConn_Connect_AlreadyConnected(t *testing.T) {
	c, _ := newPipeConn(t)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConn_Close_Idempotent(t *testing.T) {
	c, _ := newPipeConn(t)

	require.True(t, c.IsConnected())
	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Close())
}

func TestEscapeFrame(t *testing.T) {
	assert.Equal(t, "aBP100<CR>", escapeFrame("aBP100\r"))
	assert.Equal(t, "<ACK>Y<CR>", escapeFrame("\x06Y\r"))
	assert.Equal(t, "<NAK><CR>", escapeFrame("\x21\r"))
}

func TestCompleteMessages(t *testing.T) {
	assert.Empty(t, completeMessages("no terminator"))
	assert.Equal(t, []string{"\x06A"}, completeMessages("\x06A\r"))
	assert.Equal(t, []string{"\x06A", "\x06B"}, completeMessages("\x06A\r\x06B\r"))
	assert.Equal(t, []string{"\x06A"}, completeMessages("\x06A\rtail"))
}
