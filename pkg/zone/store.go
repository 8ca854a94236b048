// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package zone

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var storeLog = logrus.WithField("source", "zone")

// recordFile is the on-disk name for a zone's persisted {spec,status}.
const recordFile = "record.json"

// dirMode/fileMode mirror the teacher's persist/fs driver's permission
// bits for its own on-disk state.
const (
	dirMode  = os.FileMode(0700) | os.ModeDir
	fileMode = os.FileMode(0600)
)

// Store is a JSON-on-disk zone record store, one directory per UUID under
// root, each record written via a temp-file-then-rename so a crash never
// leaves a half-written record.json. An in-memory cache mirrors the
// lookup table invariant (single source of truth for uuid<->domid
// binding) without hitting disk on every read.
type Store struct {
	root string

	mu      sync.RWMutex
	records map[uuid.UUID]*Record
}

// NewStore opens (creating if needed) a zone store rooted at root.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, errors.Wrapf(err, "creating zone store root %s", root)
	}
	s := &Store{root: root, records: make(map[uuid.UUID]*Record)}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) zoneDir(id uuid.UUID) string {
	return filepath.Join(s.root, id.String())
}

// reload walks the store root and loads every persisted record into the
// in-memory cache, the Go analogue of the teacher's FromDisk restore path
// run once at daemon start.
func (s *Store) reload() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return errors.Wrap(err, "reading zone store root")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}
		rec, err := s.readFromDisk(id)
		if err != nil {
			storeLog.WithError(err).WithField("uuid", id).Warn("skipping unreadable zone record")
			continue
		}
		s.records[id] = rec
	}
	return nil
}

func (s *Store) readFromDisk(id uuid.UUID) (*Record, error) {
	path := filepath.Join(s.zoneDir(id), recordFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "decoding zone record %s", path)
	}
	return &rec, nil
}

// Save persists rec and updates the in-memory cache.
func (s *Store) Save(rec Record) error {
	dir := s.zoneDir(rec.Spec.UUID)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return errors.Wrapf(err, "creating zone dir %s", dir)
	}

	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding zone record")
	}

	tmp := filepath.Join(dir, recordFile+".tmp")
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, filepath.Join(dir, recordFile)); err != nil {
		return errors.Wrapf(err, "renaming %s", tmp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := rec
	s.records[rec.Spec.UUID] = &stored
	return nil
}

// Get returns the cached record for id, if any.
func (s *Store) Get(id uuid.UUID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns every known zone record, in no particular order.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}

// Delete removes a zone's persisted record and its directory, the
// per-reconcile-tick cleanup for zones that reached Destroyed.
func (s *Store) Delete(id uuid.UUID) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()

	if err := os.RemoveAll(s.zoneDir(id)); err != nil {
		return errors.Wrapf(err, "removing zone dir for %s", id)
	}
	return nil
}

// Lock takes an exclusive or shared flock on a zone's directory, guarding
// concurrent daemon instances from racing on the same zone's persisted
// state, mirroring the teacher's own persist/fs driver lock.
func (s *Store) Lock(id uuid.UUID, exclusive bool) (func() error, error) {
	dir := s.zoneDir(id)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, err
	}

	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}

	lockType := syscall.LOCK_SH
	if exclusive {
		lockType = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(f.Fd()), lockType); err != nil {
		f.Close()
		return nil, err
	}

	return func() error {
		defer f.Close()
		return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}, nil
}
