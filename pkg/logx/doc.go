// Package logx configures wadispatch's structured logging.
//
// logx.Logger is a thin wrapper over zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional operator sink (min-level + rate limiting) that forwards
//     warnings to a chat the operator watches
package logx
