// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package zone

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrAmbiguousID is returned when a short UUID prefix matches more than
// one known zone.
var ErrAmbiguousID = errors.New("zone: ambiguous id prefix")

// ErrNotFound is returned when an id or name matches no known zone.
var ErrNotFound = errors.New("zone: not found")

// ResolveID resolves a short UUID prefix or an exact zone name to a full
// UUID against the known set of records, the same resolution any future
// control surface needs (named here so it isn't reinvented per caller).
func ResolveID(records []Record, needle string) (uuid.UUID, error) {
	if full, err := uuid.Parse(needle); err == nil {
		for _, rec := range records {
			if rec.Spec.UUID == full {
				return full, nil
			}
		}
		return uuid.Nil, ErrNotFound
	}

	var matches []uuid.UUID
	for _, rec := range records {
		if rec.Spec.Name == needle {
			return rec.Spec.UUID, nil
		}
		if strings.HasPrefix(rec.Spec.UUID.String(), needle) {
			matches = append(matches, rec.Spec.UUID)
		}
	}

	switch len(matches) {
	case 0:
		return uuid.Nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return uuid.Nil, ErrAmbiguousID
	}
}
