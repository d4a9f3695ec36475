package reactor

import (
	"runtime"
	"strconv"
)

// currentGoroutineID extracts the numeric id Go's runtime assigns the
// calling goroutine by parsing the header line of a stack dump. This is the
// only portable way to answer "is the caller running on loop L's goroutine"
// without requiring every call site to thread a context value through —
// used solely for loop-affinity assertions, never on a hot path.
func currentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	// Format: "goroutine 123 [running]:\n..."
	const prefix = "goroutine "
	if len(b) < len(prefix) {
		return -1
	}
	b = b[len(prefix):]
	i := 0
	for i < len(b) && b[i] != ' ' {
		i++
	}
	id, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
