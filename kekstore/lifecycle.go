// Package kekstore implements the KEK version lifecycle: the pure state
// machine shared by clients and the directory, the client-side store that
// creates, rotates and recovers versions, and re-encryption of per-log keys
// onto the active version.
package kekstore

import (
	"fmt"
	"slices"

	"github.com/neurallog/kek-custody/interfaces"
)

// History is a tenant's ordered list of KEK versions, oldest first.
type History []interfaces.KEKVersion

// Active returns the single Active version.
func (h History) Active() (interfaces.KEKVersion, bool) {
	for _, v := range h {
		if v.Status == interfaces.KEKStatusActive {
			return v, true
		}
	}
	return interfaces.KEKVersion{}, false
}

func (h History) Find(versionID string) (interfaces.KEKVersion, bool) {
	i := h.index(versionID)
	if i < 0 {
		return interfaces.KEKVersion{}, false
	}
	return h[i], true
}

func (h History) index(versionID string) int {
	return slices.IndexFunc(h, func(v interfaces.KEKVersion) bool { return v.ID == versionID })
}

// Validate checks the history invariants: known statuses, unique ids and,
// unless empty, exactly one Active version.
func (h History) Validate() error {
	seen := make(map[string]struct{}, len(h))
	active := 0
	for _, v := range h {
		if v.ID == "" {
			return fmt.Errorf("%w: KEK version without id", interfaces.ErrValidation)
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("%w: duplicate KEK version %s", interfaces.ErrValidation, v.ID)
		}
		seen[v.ID] = struct{}{}
		if !v.Status.Valid() {
			return fmt.Errorf("%w: KEK version %s has unknown status %q", interfaces.ErrValidation, v.ID, v.Status)
		}
		if v.Status == interfaces.KEKStatusActive {
			active++
		}
	}
	if len(h) > 0 && active != 1 {
		return fmt.Errorf("%w: %d active KEK versions", interfaces.ErrInvalidState, active)
	}
	return nil
}

// CanTransition reports whether a version may move from one status to
// another. Nothing ever returns to Active.
func CanTransition(from, to interfaces.KEKStatus) bool {
	switch from {
	case interfaces.KEKStatusActive:
		return to == interfaces.KEKStatusDecryptOnly
	case interfaces.KEKStatusDecryptOnly:
		return to == interfaces.KEKStatusRetired
	}
	return false
}

// ApplyCreate appends next as the new Active version and demotes the
// previous one to DecryptOnly. The receiver is left untouched; the result is
// either a complete new history or an error.
func (h History) ApplyCreate(next interfaces.KEKVersion) (History, error) {
	if next.ID == "" {
		return nil, fmt.Errorf("%w: new KEK version needs an id", interfaces.ErrValidation)
	}
	if h.index(next.ID) >= 0 {
		return nil, fmt.Errorf("%w: KEK version %s already exists", interfaces.ErrConflict, next.ID)
	}

	out := slices.Clone(h)
	for i := range out {
		if out[i].Status == interfaces.KEKStatusActive {
			out[i].Status = interfaces.KEKStatusDecryptOnly
		}
	}
	next.Status = interfaces.KEKStatusActive
	out = append(out, next)

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyRecover is ApplyCreate for a version rebuilt from an existing one.
func (h History) ApplyRecover(next interfaces.KEKVersion) (History, error) {
	if next.RecoveredFromVersionID == "" {
		return nil, fmt.Errorf("%w: recovered version must name its source", interfaces.ErrValidation)
	}
	if h.index(next.RecoveredFromVersionID) < 0 {
		return nil, fmt.Errorf("%w: KEK version %s", interfaces.ErrNotFound, next.RecoveredFromVersionID)
	}
	return h.ApplyCreate(next)
}

// ApplyRetire moves a DecryptOnly version to Retired.
func (h History) ApplyRetire(versionID string) (History, interfaces.KEKVersion, error) {
	i := h.index(versionID)
	if i < 0 {
		return nil, interfaces.KEKVersion{}, fmt.Errorf("%w: KEK version %s", interfaces.ErrNotFound, versionID)
	}
	if !CanTransition(h[i].Status, interfaces.KEKStatusRetired) {
		return nil, interfaces.KEKVersion{}, fmt.Errorf("%w: cannot retire %s version %s", interfaces.ErrInvalidState, h[i].Status, versionID)
	}
	out := slices.Clone(h)
	out[i].Status = interfaces.KEKStatusRetired
	return out, out[i], nil
}
