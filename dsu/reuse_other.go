//go:build !unix && !windows

package dsu

import "syscall"

func reuseAddrControl(string, string, syscall.RawConn) error { return nil }
