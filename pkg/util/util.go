// Copyright (c) 2017 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package util collects small host-filesystem and process helpers:
// directory creation with inherited ownership, memory-unit alignment,
// and waiting out a local process. No other package in this repository
// imports it; the zone store, for one, creates its directories with
// os.MkdirAll.
package util

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const maxWaitDelay = 50 * time.Millisecond

// MemUnit is a byte count that knows how to align and convert itself,
// e.g. rounding a memory size up to a block granularity.
type MemUnit uint64

const (
	Byte MemUnit = 1
	KiB          = Byte << 10
	MiB          = KiB << 10
	GiB          = MiB << 10
)

// AlignMem rounds m up to the next multiple of blockSize.
func (m MemUnit) AlignMem(blockSize MemUnit) MemUnit {
	memSize := m
	if m < blockSize {
		memSize = blockSize
	}
	if remainder := memSize % blockSize; remainder != 0 {
		memSize += blockSize - remainder
	}
	return memSize
}

func (m MemUnit) ToBytes() uint64 {
	return uint64(m)
}

func (m MemUnit) ToMiB() uint64 {
	return m.ToBytes() / MiB.ToBytes()
}

// GenerateRandomBytes returns n cryptographically random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteToFile opens path write-only and writes data, failing rather than
// creating the file if it does not already exist.
func WriteToFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// MkdirAllWithInheritedOwner creates path and any missing parents, chowning
// newly created directories to match the nearest existing ancestor's
// owner rather than the calling process's uid/gid. path must be absolute;
// symlinks are not handled.
func MkdirAllWithInheritedOwner(path string, perm os.FileMode) error {
	if len(path) == 0 {
		return fmt.Errorf("the path is empty")
	}

	uid, gid := os.Getuid(), os.Getgid()

	for _, cur := range getAllParentPaths(path) {
		info, err := os.Stat(cur)
		if err != nil {
			if err := os.MkdirAll(cur, perm); err != nil {
				return fmt.Errorf("mkdir call failed: %w", err)
			}
			if err := syscall.Chown(cur, uid, gid); err != nil {
				return fmt.Errorf("chown syscall failed: %w", err)
			}
			continue
		}

		if !info.IsDir() {
			return &os.PathError{Op: "mkdir", Path: cur, Err: syscall.ENOTDIR}
		}
		if stat, ok := info.Sys().(*syscall.Stat_t); ok {
			uid, gid = int(stat.Uid), int(stat.Gid)
		} else {
			return fmt.Errorf("failed to retrieve uid/gid of path %s", cur)
		}
	}
	return nil
}

// ChownToParent sets path's owner to match its parent directory's owner.
// path must be absolute; symlinks are not handled.
func ChownToParent(path string) error {
	if len(path) == 0 {
		return fmt.Errorf("the path is empty")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("the path is not absolute")
	}

	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Dir(path), err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("failed to retrieve uid/gid of path %s", path)
	}
	return syscall.Chown(path, int(stat.Uid), int(stat.Gid))
}

// getAllParentPaths returns path's ancestors, nearest-root-first, path
// itself last, excluding "/".
func getAllParentPaths(path string) []string {
	if path == "/" || path == "." {
		return []string{}
	}

	paths := []string{filepath.Clean(path)}
	cur := path
	for cur != "/" && cur != "." {
		parent := filepath.Dir(cur)
		paths = append([]string{parent}, paths...)
		cur = parent
	}
	return paths[1:]
}

// waitProcessUsingWaitLoop polls pid with a growing backoff (capped at
// maxWaitDelay) until it stops appearing alive or timeoutSecs elapses,
// returning true if it is still running at that point.
func waitProcessUsingWaitLoop(pid int, timeoutSecs uint, logger *logrus.Entry) bool {
	timeout := time.After(time.Duration(timeoutSecs) * time.Second)
	delay := 1 * time.Millisecond

	for {
		// Wait4 reaps the child if it has exited; without it, Kill(0)
		// never observes an unreaped zombie as gone.
		waitedPid, err := syscall.Wait4(pid, nil, syscall.WNOHANG, nil)
		if waitedPid == pid && err == nil {
			return false
		}
		if err := syscall.Kill(pid, syscall.Signal(0)); err != nil {
			return false
		}

		select {
		case <-time.After(delay):
			delay *= 5
			if delay > maxWaitDelay {
				delay = maxWaitDelay
			}
		case <-timeout:
			logger.Warnf("process %v still running after waiting %ds", pid, timeoutSecs)
			return true
		}
	}
}

// WaitLocalProcess waits up to timeoutSecs for the local process pid to
// exit. If initialSignal is non-zero it is sent first; if the
// process is still running after the timeout it is sent SIGKILL.
func WaitLocalProcess(pid int, timeoutSecs uint, initialSignal syscall.Signal, logger *logrus.Entry) error {
	if pid <= 0 {
		return fmt.Errorf("can only wait for a single process")
	}

	if initialSignal != syscall.Signal(0) {
		if err := syscall.Kill(pid, initialSignal); err != nil {
			if err == syscall.ESRCH {
				logger.WithField("pid", pid).Warn("kill encountered ESRCH, process already finished")
				return nil
			}
			return fmt.Errorf("failed to send initial signal %v to process %v: %w", initialSignal, pid, err)
		}
	}

	if waitProcessUsingWaitLoop(pid, timeoutSecs, logger) {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			if err == syscall.ESRCH {
				logger.WithField("pid", pid).Warn("process already finished")
				return nil
			}
			return fmt.Errorf("failed to stop process %v: %w", pid, err)
		}
		for {
			_, err := syscall.Wait4(pid, nil, 0, nil)
			if err != syscall.EINTR {
				break
			}
		}
	}

	return nil
}
