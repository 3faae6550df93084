//go:build !unix

package worker

import (
	"errors"
	"os"
	"syscall"
)

var errNoChannel = errors.New("structured worker channel requires a unix platform")

func newChannel() (parent, child *os.File, err error) {
	return nil, nil, errNoChannel
}

func processAttr() *syscall.SysProcAttr {
	return nil
}

func signalGroup(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
