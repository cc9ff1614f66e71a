// Package comms implements the request/response link to a Hamilton Microlab 600
// dual-syringe pump, speaking the instrument's ASCII protocol over a TCP/IP
// stream or a direct RS-232 serial port.
//
// The instrument natively speaks RS-232; TCP deployments reach it through a
// terminal server that bridges the serial line, so the link treats both
// transports as the same byte-oriented stream.
//
// # Protocol Overview
//
// The protocol is a strict half-duplex request/response exchange using ASCII
// frames with single-byte control characters:
//
//   - ACK (0x06) — command accepted
//   - NAK (0x21) — command rejected
//   - CR  (0x0D) — frame terminator
//
// A request is an address byte followed by a command body and a terminating
// CR. A well-formed reply is one control character, optional payload
// characters, and a terminating CR. The pump occasionally emits several
// CR-terminated messages back to back (status chatter queued while a command
// executes); when one receive returns more than one complete message, the
// final message is authoritative and the extras are logged.
//
// # Transactions
//
// [Conn.Transact] performs one full exchange: it serializes against other
// callers, writes the frame, performs a single receive bounded by the
// configured receive timeout, and classifies the reply. Rejections (NAK),
// timeouts, and undecodable replies are reported as sentinel errors so that
// callers branch with errors.Is rather than handle panics; a NAK is an
// ordinary outcome, not an exceptional one.
//
// # Power-On Chatter
//
// After power-up the pump sends unsolicited status bytes. [Conn.Connect]
// drains and discards everything already queued on the stream before the
// first real exchange so stale bytes can never be misread as a reply.
package comms
