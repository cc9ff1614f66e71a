// Package pv publishes driver state as named process variables.
//
// A Registry holds typed process variables (PVs) with a value, an alarm
// severity and an update timestamp. A Monitor builds the PV set for one
// pump controller and keeps it current with background poll loops; writable
// PVs forward accepted values to the instrument. The Server exposes the
// registry over HTTP and streams updates to WebSocket clients.
package pv
