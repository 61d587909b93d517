// Package build compiles C sources into modules for the device agent:
// clang produces a freestanding WebAssembly module and, in AOT mode, wamrc
// turns it into a native image for the Cortex-M4 target.
package build
