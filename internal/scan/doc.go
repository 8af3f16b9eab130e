// Package scan executes step scans over beamline instruments and persists
// the results.
//
// A scan drives one or two motor axes through a rectangular grid and gates
// the detector scaler at every point. The Engine issues all device commands
// through the control facade, so scans share the per-device command queues
// with every other caller and never touch a connection directly.
//
// Runs and their measured points are stored in SQLite (scan_runs and
// scan_points tables) so a scan survives for later export even if the
// process exits after it completes.
package scan
