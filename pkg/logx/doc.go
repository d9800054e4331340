// Package logx configures tripdesk's structured logging.
//
// A small wrapper (logx.Logger) over zerolog keeps console output readable
// (short timestamp and caller) and file output JSON-structured. Warn and
// error lines can also be forwarded to an operator channel through an
// AlertSender, filtered by level and rate limited.
package logx
