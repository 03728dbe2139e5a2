// Package logx configures the service's structured logging.
//
// Logger is a small value type on top of zerolog that keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional alert sink (min-level + rate limiting) for an operator chat
package logx
