// Package logx is analysisd's structured logging on top of zerolog.
//
// Console output is key=value with a short file:line caller. The optional
// log file gets JSON lines. Repeating warnings can be rate limited per key
// with Throttle.
package logx
