//go:build !unix

package dispatch

import "syscall"

const (
	sigStop = syscall.Signal(0)
	sigCont = syscall.Signal(0)
	sigKill = syscall.Signal(0)
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func signalGroup(int, syscall.Signal) error {
	return ErrUnsupported
}
