package comms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/tarm/serial"

	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

// Protocol control characters.
const (
	// ACK prefixes a reply to an accepted request.
	ACK byte = 0x06
	// NAK prefixes a reply to a rejected request.
	NAK byte = 0x21
	// CR terminates every request and reply frame.
	CR byte = 0x0D
)

// autoAddressBody is the address-assignment request. The pump walks the
// address sequence and answers with the next free address.
const autoAddressBody = "1a"

// Sentinel errors for the pump link.
var (
	ErrAlreadyConnected = errors.New("comms: link is already connected")
	ErrNotConnected     = errors.New("comms: link is not connected")
	ErrReceiveTimeout   = errors.New("comms: timed out waiting for reply")
	ErrNAK              = errors.New("comms: request rejected by pump")
	ErrNonASCII         = errors.New("comms: reply contains non-ASCII bytes")
	ErrEmptyReply       = errors.New("comms: reply contains no complete message")
	ErrMalformedReply   = errors.New("comms: reply does not begin with a control character")
)

// Stream is the byte transport under a Conn. *net.TCPConn and the RS-232
// port type both satisfy it.
type Stream interface {
	io.ReadWriteCloser
}

// deadlineReader is implemented by streams with per-read deadlines (TCP).
// The serial transport instead bakes its timeout into the open port.
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// Conn is a request/response link to the pump.
//
// All exchanges are serialized through a transaction gate: a request is never
// written while another caller is still waiting for its reply. Conn is safe
// for concurrent use.
type Conn struct {
	cfg    *Config
	logger logger.Logger

	// gate holds at most one in-flight exchange.
	gate chan struct{}

	streamMu sync.RWMutex
	stream   Stream

	metrics LinkMetrics
}

// NewConn creates a new link from the given configuration.
// The link starts disconnected; call [Conn.Connect] before transacting.
func NewConn(cfg *Config) (*Conn, error) {
	if cfg == nil {
		return nil, errors.New("comms: config is nil")
	}

	return &Conn{
		cfg:    cfg,
		logger: cfg.logger,
		gate:   make(chan struct{}, 1),
	}, nil
}

// Connect opens the underlying stream and discards any bytes the pump sent
// before the link was up. A freshly powered-on pump chatters status bytes
// that would otherwise be misread as the reply to the first request.
func (c *Conn) Connect(ctx context.Context) error {
	c.streamMu.Lock()
	if c.stream != nil {
		c.streamMu.Unlock()
		return ErrAlreadyConnected
	}

	stream, err := c.dial(ctx)
	if err != nil {
		c.streamMu.Unlock()
		return fmt.Errorf("comms: connect %s: %w", c.cfg.Endpoint(), err)
	}

	c.stream = stream
	c.streamMu.Unlock()

	drained := c.drainStale()
	c.logger.Debug("link connected", "endpoint", c.cfg.Endpoint(), "drainedBytes", drained)

	return nil
}

// Close closes the underlying stream. It is safe to call on an already
// closed link.
func (c *Conn) Close() error {
	c.streamMu.Lock()
	stream := c.stream
	c.stream = nil
	c.streamMu.Unlock()

	if stream == nil {
		return nil
	}

	if err := stream.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Error("failed to close link", "endpoint", c.cfg.Endpoint(), "error", err)
		return fmt.Errorf("comms: close: %w", err)
	}

	c.logger.Debug("link closed", "endpoint", c.cfg.Endpoint())

	return nil
}

// IsConnected reports whether the link currently holds an open stream.
func (c *Conn) IsConnected() bool {
	return c.getStream() != nil
}

// GetLogger returns the logger associated with the link.
func (c *Conn) GetLogger() logger.Logger {
	return c.logger
}

// GetMetrics returns the metrics associated with the link.
func (c *Conn) GetMetrics() *LinkMetrics {
	return &c.metrics
}

// Transact performs one request/response exchange.
//
// body is sent with a terminating CR appended. The reply is received in a
// single bounded read and classified: a NAK reply returns [ErrNAK], a timed
// out receive returns [ErrReceiveTimeout], and bytes that do not decode as
// ASCII return [ErrNonASCII]. On success the returned payload is the final
// complete message with control characters trimmed; it may be empty.
//
// When one receive contains several CR-terminated messages, only the final
// message determines the outcome. The pump queues status chatter while
// executing, so earlier messages are stale by the time they are read.
func (c *Conn) Transact(ctx context.Context, body string) (string, error) {
	raw, err := c.exchange(ctx, body)
	if err != nil {
		return "", err
	}

	msgs := completeMessages(raw)
	if len(msgs) == 0 {
		return "", ErrEmptyReply
	}

	if len(msgs) > 1 {
		c.metrics.incMultiMessageCount()
		c.logger.Warn("received multiple messages in one reply, using the final message",
			"count", len(msgs), "reply", escapeFrame(raw))
	}

	final := msgs[len(msgs)-1]
	if final == "" {
		return "", ErrMalformedReply
	}

	switch final[0] {
	case ACK:
		return strings.Trim(final, string([]byte{ACK, CR})), nil
	case NAK:
		c.metrics.incNAKCount()
		return "", ErrNAK
	default:
		return "", fmt.Errorf("%w: %s", ErrMalformedReply, escapeFrame(final))
	}
}

// AutoAddress sends the address-assignment request and returns the first
// complete message of the reply verbatim.
//
// The reply to address assignment is not ACK-prefixed, so it bypasses the
// usual classification; only the leading-NAK check applies.
func (c *Conn) AutoAddress(ctx context.Context) (string, error) {
	raw, err := c.exchange(ctx, autoAddressBody)
	if err != nil {
		return "", err
	}

	first, _, _ := strings.Cut(raw, string(CR))

	return first, nil
}

// exchange writes body+CR and performs one bounded receive, returning the
// decoded raw reply. The transaction gate is held for the whole exchange.
func (c *Conn) exchange(ctx context.Context, body string) (string, error) {
	if err := c.acquireGate(ctx); err != nil {
		return "", err
	}
	defer c.releaseGate()

	stream := c.getStream()
	if stream == nil {
		return "", ErrNotConnected
	}

	frame := append([]byte(body), CR)

	c.logger.Debug("sending request", "frame", escapeFrame(string(frame)))
	c.metrics.incTransactCount()

	if _, err := stream.Write(frame); err != nil {
		return "", fmt.Errorf("comms: send %s: %w", escapeFrame(body), err)
	}

	buf := make([]byte, c.cfg.recvBufferSize)
	n, err := c.read(stream, buf)
	if err != nil {
		if errors.Is(err, ErrReceiveTimeout) {
			c.metrics.incTimeoutCount()
			c.logger.Debug("no reply before timeout", "request", escapeFrame(body),
				"timeout", c.cfg.receiveTimeout)
		}

		return "", err
	}

	c.logger.Debug("received reply", "frame", escapeFrame(string(buf[:n])))

	decoded, err := decodeASCII(buf[:n])
	if err != nil {
		c.metrics.incDecodeErrCount()
		return "", err
	}

	if len(decoded) == 0 {
		return "", ErrEmptyReply
	}

	if decoded[0] == NAK {
		c.metrics.incNAKCount()
		return "", ErrNAK
	}

	return decoded, nil
}

func (c *Conn) acquireGate(ctx context.Context) error {
	select {
	case c.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("comms: transaction cancelled: %w", ctx.Err())
	}
}

func (c *Conn) releaseGate() {
	<-c.gate
}

func (c *Conn) getStream() Stream {
	c.streamMu.RLock()
	defer c.streamMu.RUnlock()

	return c.stream
}

func (c *Conn) dial(ctx context.Context) (Stream, error) {
	if c.cfg.IsSerial() {
		// The serial transport has no per-read deadlines; the receive
		// timeout is baked into the open port instead.
		return serial.OpenPort(&serial.Config{
			Name:        c.cfg.serialDevice,
			Baud:        c.cfg.serialBaud,
			ReadTimeout: c.cfg.receiveTimeout,
		})
	}

	dialer := net.Dialer{
		Timeout:   c.cfg.connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	return dialer.DialContext(ctx, "tcp", c.cfg.Addr())
}

// read performs a single receive bounded by the configured receive timeout.
// Timeouts from both transports are normalized to ErrReceiveTimeout.
func (c *Conn) read(stream Stream, buf []byte) (int, error) {
	if dr, ok := stream.(deadlineReader); ok {
		_ = dr.SetReadDeadline(time.Now().Add(c.cfg.receiveTimeout))
	}

	n, err := stream.Read(buf)
	if err == nil {
		return n, nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return n, ErrReceiveTimeout
	}

	// The serial transport reports an expired read timeout as a zero-byte EOF.
	if c.cfg.IsSerial() && n == 0 && errors.Is(err, io.EOF) {
		return 0, ErrReceiveTimeout
	}

	return n, fmt.Errorf("comms: receive: %w", err)
}

// drainStale reads and discards bytes until a receive timeout elapses,
// returning the number of bytes discarded.
func (c *Conn) drainStale() int {
	stream := c.getStream()
	if stream == nil {
		return 0
	}

	total := 0
	buf := make([]byte, c.cfg.recvBufferSize)

	for {
		n, err := c.read(stream, buf)
		if n > 0 {
			total += n
			c.logger.Debug("discarded stale bytes", "count", n, "bytes", escapeFrame(string(buf[:n])))
		}
		if err != nil || n == 0 {
			break
		}
	}

	if total > 0 {
		c.metrics.addDrainedByteCount(total)
	}

	return total
}

// completeMessages splits raw into its CR-terminated messages, dropping any
// trailing bytes after the final CR.
func completeMessages(raw string) []string {
	parts := strings.Split(raw, string(CR))

	// The element after the final CR is an unterminated remainder, not a
	// message; usually it is empty.
	return parts[:len(parts)-1]
}

// decodeASCII validates that b contains only 7-bit ASCII and returns it as a
// string.
func decodeASCII(b []byte) (string, error) {
	for i, ch := range b {
		if ch > unicode.MaxASCII {
			return "", fmt.Errorf("%w: byte 0x%02X at offset %d", ErrNonASCII, ch, i)
		}
	}

	return string(b), nil
}

var frameEscaper = strings.NewReplacer(
	string(ACK), "<ACK>",
	string(NAK), "<NAK>",
	string(CR), "<CR>",
)

// escapeFrame renders a frame with control characters spelled out for logs.
func escapeFrame(frame string) string {
	return frameEscaper.Replace(frame)
}
