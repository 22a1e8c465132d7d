// Package kpanic is the single fatal-abort path for the memory-management
// core. The kernel has no exception machinery: a contract violation or a
// failed debug invariant prints a call chain and halts, exactly as
// caller.Callerdump does for the rest of the kernel.
package kpanic

import (
	"fmt"
	"runtime"
)

// Fatal prints the current call stack and panics with the formatted
// message. Every fatal condition named in spec.md's error handling design
// (CONTRACT_VIOLATION, SANITY_FAILED, double free, invalid pointer) goes
// through here instead of a bare panic() so the stack dump is uniform.
func Fatal(format string, args ...interface{}) {
	dumpStack(2)
	panic(fmt.Sprintf(format, args...))
}

// Assert panics with msg if cond is false. Used for the debug-build-only
// invariant checks named throughout spec.md §8.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		Fatal(format, args...)
	}
}

func dumpStack(start int) {
	i := start
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	fmt.Printf("%s", s)
}
