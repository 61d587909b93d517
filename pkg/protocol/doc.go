// Package protocol implements the gateway side of the device agent's line
// protocol.
//
// Every operation (Load, Start, Stop, Status) is a short exchange on its
// own channel: open, flush stale input, send one command, wait for a reply
// with one of a fixed set of prefixes, close. Lines that match none of the
// awaited prefixes are skipped, which is how debug output and results of
// earlier runs are tolerated.
//
// A wait ends with a timeout error (gwerrors.KindTimeout) when its deadline
// passes. If the device closes the stream first, the wait fails at once
// with a connection error (gwerrors.KindConnection) instead of running out
// the deadline.
//
//	>> LOAD module_id=<id> size=<n> crc32=<hex8>
//	<< LOAD_READY ... | LOAD_ERR ...
//	>> <n raw bytes>
//	<< LOAD_OK | LOAD_ERR ...
package protocol
