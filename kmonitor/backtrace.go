// Package kmonitor implements the kernel monitor's debug hook: the
// default handler for a breakpoint or single-step trap is "print a
// backtrace, then resume the faulting environment."
package kmonitor

import (
	"fmt"
	"runtime"
	"strings"
)

// Backtrace returns the call stack starting at the given skip depth as a
// printable, arrow-joined string, one frame per line.
func Backtrace(skip int) string {
	var sb strings.Builder
	for i := skip; ; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if sb.Len() != 0 {
			sb.WriteString("\t<-")
		}
		sb.WriteString(fmt.Sprintf("%s:%d\n", file, line))
	}
	return sb.String()
}
