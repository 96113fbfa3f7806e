// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

// Package thread elevates the scheduling priority of goroutines that
// service time-critical radio traffic. Linux only.
package thread

import (
	"runtime"
	"syscall"
	"unsafe"
)

// Scheduling policies for Realtime.
const (
	FIFO = 1 // first-in first-out scheduling policy
	RR   = 2 // round-robin scheduling policy
)

type schedParam struct {
	Priority int
}

// Realtime locks the calling goroutine to its own kernel thread and gives
// that thread realtime round-robin scheduling at priority 10, in the lower
// middle of the realtime range so truly critical system threads still win.
func Realtime() error {
	runtime.LockOSThread()
	tid := syscall.Gettid()
	res, _, err := syscall.RawSyscall(syscall.SYS_SCHED_SETSCHEDULER, uintptr(tid),
		uintptr(RR), uintptr(unsafe.Pointer(&schedParam{10})))
	if res == 0 {
		return nil
	}
	return err
}
