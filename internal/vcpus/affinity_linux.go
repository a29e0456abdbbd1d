//go:build linux

package vcpus

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// pinThread locks the calling goroutine to its OS thread and restricts the
// thread to the CPUs in mask. The thread stays locked, so the runtime
// discards it when the task ends.
func pinThread(mask uint64) (func(), error) {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	for cpu := 0; cpu < 64; cpu++ {
		if mask&(1<<cpu) != 0 {
			set.Set(cpu)
		}
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("vcpus: sched_setaffinity %#x: %w", mask, err)
	}
	return func() {}, nil
}
