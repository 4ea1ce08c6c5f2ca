//go:build unix

package main

import "golang.org/x/sys/unix"

// raiseFileLimit lifts the soft RLIMIT_NOFILE to its hard cap so the
// connection budget is not cut short by a 1024-descriptor default.
func raiseFileLimit() error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return err
	}
	if lim.Cur >= lim.Max {
		return nil
	}
	lim.Cur = lim.Max
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)
}
