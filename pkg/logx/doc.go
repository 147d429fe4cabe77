// Package logx configures taper's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated by lumberjack
//   - Loggers handed out before a reconfiguration "live" afterwards
package logx
