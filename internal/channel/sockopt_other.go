//go:build !linux

package channel

import "syscall"

// reuseAddrControl is a no-op on platforms without the Linux sockopt
// surface; multicast port sharing is best-effort there.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
