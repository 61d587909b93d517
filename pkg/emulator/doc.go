// Package emulator provides an in-process stand-in for the firmware agent
// of a target board. It speaks the same line protocol over TCP, keeps one
// loaded module and runs one function at a time on a runner goroutine.
//
// There is no WebAssembly runtime behind it: a loaded module is checked for
// size, checksum and magic header, and START calls one of a fixed set of Go
// functions named like the exports of the sample modules.
package emulator
