// Package control implements the device command/control worker architecture
// at the heart of the beamline instrument software.
//
// Each physical instrument (syringe pump, flow meter, motorized stage,
// detector scaler) is owned by a dedicated background worker that serializes
// all traffic onto the device's single communication channel, multiplexes
// synchronous command/response exchanges with periodic status polling, and
// exposes thread-safe, non-blocking operations to any number of GUI or
// programmatic callers.
//
// # Architecture
//
//	 callers (facade, scan engine, MQTT intake)
//	        │ Submit / SubmitWait
//	        ▼
//	┌──────────────┐      ┌──────────────┐      ┌──────────────┐
//	│    Queue     │─────▶│    Worker    │─────▶│    Driver    │──▶ serial /
//	│ (per device, │      │ (one per     │      │ (pump, fm,   │    modbus /
//	│  FIFO, bound)│      │  connection) │      │  motor, ...) │    tcp
//	└──────────────┘      └──────┬───────┘      └──────────────┘
//	                             │ results + polled status
//	                             ▼
//	                      ┌──────────────┐
//	                      │     Sink     │──▶ subscribers (GUI panels,
//	                      │ (per-sub     │    telemetry history, MQTT)
//	                      │  buffers)    │
//	                      └──────────────┘
//
// The Registry owns device lifecycle (open/close by unique name) and routes
// caller requests to the right queue. The Facade wraps the primitives for
// callers: asynchronous Send for event-driven consumers, blocking SendWait
// for scripts — one implementation, two access modes.
//
// # Concurrency model
//
// Within one device every operation is strictly serialized by the single
// worker goroutine; the worker's ownership of the driver is the sole
// synchronization primitive, and no locks are taken on the driver itself.
// Across devices, workers run in true parallel. The queue and sink are the
// only cross-goroutine shared structures.
//
// Every device I/O operation carries a timeout. A command that times out
// yields exactly one failed result and the worker moves on; repeated
// consecutive failures fault the device, which then fails fast until the
// caller explicitly reconnects.
package control
