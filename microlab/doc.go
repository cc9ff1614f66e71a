// Package microlab drives a Hamilton Microlab 600 dual-syringe pump.
//
// The controller, [Microlab], composes command bodies from package command,
// issues them through a [Link] such as *comms.Conn, and decodes the replies.
// Decoding is split across small request types:
//
//   - [InformationRequest] interprets single-character yes/no queries, such
//     as the instrument-idle or syringe-error checks.
//   - [ByteRequest] interprets a reply character as a bit-addressable
//     status byte using a per-bit [BitTable] of semantic labels.
//   - [ErrorRequest] decodes the four-byte error report covering both
//     syringe/valve pairs.
//   - [TimerStatus] reports whether the instrument timer is running.
//   - [SideParams] bundles the settable operating parameters of one side.
//
// The controller also owns the command-cycling loop: a background task that
// issues a command list in order, wrapping around indefinitely, polling the
// instrument-idle query between commands. A running cycle is stopped
// cooperatively with [Microlab.StopCycle], which halts the instrument before
// the local state resets.
package microlab
