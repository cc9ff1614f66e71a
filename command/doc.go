// Package command models the Microlab 600 command language.
//
// A pump instruction is built from typed sub-commands, one per action, each
// rendering itself into the instrument's concatenated ASCII grammar:
//
//	<side letter><operation letter><value>[S<speed>][N<return steps>]
//
// The left and right halves of the pump are addressed by fixed side letters
// (B and C). Several sub-commands joined into a [Command] render as one
// request body with no separators; the pump buffers the whole sequence and
// executes it in order.
//
// Sub-commands validate their numeric fields at construction, so a rendered
// body is always well-formed. Rendering itself performs no I/O and never
// fails.
package command
