//go:build !windows

package stream

import "syscall"

// reuseAddrControl is the net.ListenConfig hook that sets SO_REUSEADDR, so a
// restarted relay can rebind its stream ports while old sockets sit in
// TIME_WAIT.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
