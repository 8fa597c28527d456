// Package logx configures jobforge's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - call sites decoupled from the sink configuration,
//   - runtime-reconfigurable outputs (console, file) via Service.Apply,
//   - a zero-value logger that is safe to use and silent.
package logx
