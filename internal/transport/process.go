package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcessController suspends and resumes client processes. Sockets use it
// to freeze clients while disabled.
type ProcessController interface {
	Freeze(pid int) error
	Resume(pid int) error
}

// SignalController freezes processes with SIGSTOP and resumes them with
// SIGCONT.
type SignalController struct{}

func (SignalController) Freeze(pid int) error {
	return signal(pid, unix.SIGSTOP)
}

func (SignalController) Resume(pid int) error {
	return signal(pid, unix.SIGCONT)
}

func signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("%w: pid %d", ErrNoCredentials, pid)
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("kill %d %s: %w", pid, unix.SignalName(sig), err)
	}
	return nil
}
