// Package drivers contains the hardware drivers for beamline instruments.
//
// Each driver implements control.Driver for one instrument family:
//
//   - pump.go: VICI M50 continuous-flow pump behind an MForce stepper
//     controller, ASCII commands over RS-232
//   - flowmeter.go: Bronkhorst BFS coriolis flow sensor, ASCII queries
//     over RS-232
//   - scaler.go: counting scaler read over Modbus RTU or TCP
//   - motor.go: Newport XPS motor stage, ASCII function calls over TCP
//   - sim.go: simulated counterparts for development without hardware
//
// Drivers are wired up through New(), which satisfies
// control.DriverFactory and selects the driver by catalogue kind.
//
// # Ownership
//
// A driver instance is owned by exactly one control worker. Drivers
// therefore hold their connections without locking; serialisation of
// access is the worker's job. Drivers must honour context deadlines on
// every method so a stuck instrument surfaces as a timeout instead of
// hanging the worker.
package drivers
