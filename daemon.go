/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Demonization
 */

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"unicode"
)

// CloseStdInOutErr closes stdin/stdout/stderr handles, redirecting
// them to /dev/null. Used once the bridge has finished printing its
// "<port>|" startup line and is about to run unattended
func CloseStdInOutErr() error {
	nul, err := syscall.Open(os.DevNull, syscall.O_RDONLY, 0644)
	if err != nil {
		return fmt.Errorf("Open %q: %s", os.DevNull, err)
	}

	defer syscall.Close(nul)

	syscall.Dup2(nul, 0)
	syscall.Dup2(nul, 1)
	syscall.Dup2(nul, 2)

	return nil
}

// daemonChildEnv marks the re-exec'd child process so it knows it is
// already the daemonized instance and must not fork again
const daemonChildEnv = "IPPUSBBRIDGE_DAEMON_CHILD=1"

// IsDaemonChild reports whether this process is the re-exec'd child
// started by Daemon()
func IsDaemonChild() bool {
	for _, e := range os.Environ() {
		if e == daemonChildEnv {
			return true
		}
	}
	return false
}

// Daemon re-execs the current program in the background, with stdin
// attached to /dev/null and stdout/stderr piped back to the parent
// until the child has finished its own startup sequence and printed
// its "<port>|" startup line; the parent then forwards that output,
// appends the child's pid, and exits
func Daemon() error {
	// Create stdout/stderr pipes
	rstdout, wstdout, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe(): %s", err)
	}

	rstderr, wstderr, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe(): %s", err)
	}

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("Open %q: %s", os.DevNull, err)
	}

	// Initialize process attributes
	attr := &os.ProcAttr{
		Files: []*os.File{devnull, wstdout, wstderr},
		Env:   append(os.Environ(), daemonChildEnv),
		Sys: &syscall.SysProcAttr{
			Setsid: true,
		},
	}

	// Resolve our own executable path, so the re-exec'd child runs
	// the same binary regardless of argv[0]/PATH lookup
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("os.Executable: %s", err)
	}

	// Start new process
	proc, err := os.StartProcess(exe, os.Args, attr)
	if err != nil {
		return err
	}

	// Collect its initialization output
	wstdout.Close()
	wstderr.Close()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	io.Copy(stdout, rstdout)
	io.Copy(stderr, rstderr)

	if stdout.Len() != 0 {
		os.Stdout.Write(stdout.Bytes())
	}
	fmt.Printf("%d|", proc.Pid)
	os.Stdout.Sync()

	// Check for an error
	if stderr.Len() > 0 {
		s := strings.TrimFunc(stderr.String(), unicode.IsSpace)
		proc.Kill() // Just in case
		return errors.New(s)
	}

	proc.Release()

	return nil

}
