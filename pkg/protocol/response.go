package protocol

import (
	"strings"
)

// Device line prefixes
const (
	PrefixLoadReady = "LOAD_READY"
	PrefixLoadOK    = "LOAD_OK"
	PrefixLoadErr   = "LOAD_ERR"
	PrefixStartOK   = "START_OK"
	PrefixStopOK    = "STOP_OK"
	PrefixStatus    = "STATUS"
	PrefixResult    = "RESULT"
	PrefixError     = "ERROR"
)

// Result statuses with which the device rejects a START
const (
	StatusNoModule = "NO_MODULE"
	StatusBusy     = "BUSY"
	StatusNoFunc   = "NO_FUNC"
	StatusPending  = "PENDING"
)

// ResponseKind classifies a device line
type ResponseKind int

const (
	ResponseUnknown ResponseKind = iota
	ResponseLoadReady
	ResponseLoadOK
	ResponseLoadErr
	ResponseStartOK
	ResponseStopOK
	ResponseStatus
	ResponseResult
	ResponseError
)

// ordered so that no prefix shadows a longer one
var responsePrefixes = []struct {
	prefix string
	kind   ResponseKind
}{
	{PrefixLoadReady, ResponseLoadReady},
	{PrefixLoadOK, ResponseLoadOK},
	{PrefixLoadErr, ResponseLoadErr},
	{PrefixStartOK, ResponseStartOK},
	{PrefixStopOK, ResponseStopOK},
	{PrefixStatus, ResponseStatus},
	{PrefixResult, ResponseResult},
	{PrefixError, ResponseError},
}

// String returns the prefix the kind was recognized by
func (k ResponseKind) String() string {
	for _, p := range responsePrefixes {
		if p.kind == k {
			return p.prefix
		}
	}
	return "UNKNOWN"
}

// Response is one line received from a device
type Response struct {
	Line string
	Kind ResponseKind
}

// Classify recognizes a device line by its prefix
func Classify(line string) Response {
	for _, p := range responsePrefixes {
		if strings.HasPrefix(line, p.prefix) {
			return Response{Line: line, Kind: p.kind}
		}
	}
	return Response{Line: line, Kind: ResponseUnknown}
}

// HasPrefix reports whether the raw line starts with any of prefixes
func (r Response) HasPrefix(prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(r.Line, p) {
			return true
		}
	}
	return false
}

// Field returns the value of a key=value token. Values may be double quoted
// to contain spaces; the quotes are not part of the value.
func (r Response) Field(name string) (string, bool) {
	fields := ParseFields(r.Line)
	v, ok := fields[name]
	return v, ok
}

// Status returns the status= field, empty if there is none
func (r Response) Status() string {
	v, _ := r.Field("status")
	return v
}

// ParseFields extracts the key=value tokens of a line. The first token
// (the command or response word) is skipped when it has no '='.
func ParseFields(line string) map[string]string {
	fields := make(map[string]string)

	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		start := i
		for i < len(line) && line[i] != ' ' && line[i] != '=' {
			i++
		}
		if i >= len(line) || line[i] != '=' {
			// bare word
			continue
		}
		key := line[start:i]
		i++ // '='

		var value string
		if i < len(line) && line[i] == '"' {
			i++
			end := strings.IndexByte(line[i:], '"')
			if end < 0 {
				value = line[i:]
				i = len(line)
			} else {
				value = line[i : i+end]
				i += end + 1
			}
		} else {
			vstart := i
			for i < len(line) && line[i] != ' ' {
				i++
			}
			value = line[vstart:i]
		}

		if key != "" {
			fields[key] = value
		}
	}

	return fields
}
