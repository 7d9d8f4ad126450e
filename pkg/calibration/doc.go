// Package calibration defines the types shared by the calibration
// orchestrator, the daemon, the client and the CLI. It contains:
//
//   - State and Stage: the run state machine and the sub-step being waited on
//   - TemperaturePoint and SensorTask: the run plan
//   - Record and Reading: the measurement output
//   - Status: a synthesized view model returned by HTTP APIs
//
// These types are shared across packages to avoid duplicate definitions and
// keep JSON contracts consistent.
package calibration
