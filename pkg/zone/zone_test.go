// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package zone

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSaveGetList(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	rec := Record{
		Spec:   Spec{UUID: uuid.New(), Name: "a", Image: "img", VCPUs: 1, MemoryMB: 256},
		Status: Status{State: StateCreating},
	}
	require.NoError(t, s.Save(rec))

	got, ok := s.Get(rec.Spec.UUID)
	require.True(t, ok)
	assert.Equal(t, rec.Spec.Name, got.Spec.Name)
	assert.Len(t, s.List(), 1)
}

func TestStoreReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	rec := Record{Spec: Spec{UUID: uuid.New(), Name: "b"}, Status: Status{State: StateCreated, Domid: 7}}
	require.NoError(t, s.Save(rec))

	s2, err := NewStore(dir)
	require.NoError(t, err)
	got, ok := s2.Get(rec.Spec.UUID)
	require.True(t, ok)
	assert.Equal(t, uint32(7), got.Status.Domid)
}

func TestStoreDelete(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.Save(Record{Spec: Spec{UUID: id}}))
	require.NoError(t, s.Delete(id))

	_, ok := s.Get(id)
	assert.False(t, ok)
}

func TestLookupBindRebindsBothSides(t *testing.T) {
	l := NewLookup()
	a, b := uuid.New(), uuid.New()

	l.Bind(a, 1)
	l.Bind(b, 1)

	_, ok := l.Domid(a)
	assert.False(t, ok, "rebinding domid 1 to b must drop a's binding")

	domid, ok := l.Domid(b)
	require.True(t, ok)
	assert.Equal(t, uint32(1), domid)
}

func TestResolveIDByPrefixAndName(t *testing.T) {
	id := uuid.New()
	records := []Record{{Spec: Spec{UUID: id, Name: "web"}}}

	got, err := ResolveID(records, id.String()[:8])
	require.NoError(t, err)
	assert.Equal(t, id, got)

	got, err = ResolveID(records, "web")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ResolveID(records, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveIDAmbiguous(t *testing.T) {
	a := uuid.MustParse("11111111-0000-0000-0000-000000000000")
	b := uuid.MustParse("11111112-0000-0000-0000-000000000000")
	records := []Record{{Spec: Spec{UUID: a}}, {Spec: Spec{UUID: b}}}

	_, err := ResolveID(records, "1111111")
	assert.ErrorIs(t, err, ErrAmbiguousID)
}
