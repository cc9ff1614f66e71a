// Package shell provides an interactive operator console for a Microlab 600
// pump.
//
// The console binds a [microlab.Microlab] controller to a line-oriented
// shell: status and error dumps, drive initialisation, halting and resuming
// execution, syringe moves, valve switching, timer delays, parameter
// inspection and the alternating equilibrium cycle. Commands parse their
// arguments strictly and report failures on the console rather than
// terminating it, so a typo never takes the session down with it.
package shell
