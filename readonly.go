package unifs

import (
	"context"
)

// ============================================================================
// Read-only helper
// ============================================================================

// ReadOnly implements every mutating Provider method by returning
// ErrReadOnly. Read-only providers embed it.
//
//	type Provider struct {
//	    unifs.ReadOnly
//	    ...
//	}
type ReadOnly struct{}

func (ReadOnly) CreateDirectory(ctx context.Context, loc Location) error {
	return &PathError{Op: "mkdir", Path: loc.String(), Err: ErrReadOnly}
}

func (ReadOnly) Delete(ctx context.Context, loc Location) error {
	return &PathError{Op: "delete", Path: loc.String(), Err: ErrReadOnly}
}

func (ReadOnly) Rename(ctx context.Context, from, to Location) error {
	return &PathError{Op: "rename", Path: from.String(), Err: ErrReadOnly}
}

func (ReadOnly) Copy(ctx context.Context, from, to Location) error {
	return &PathError{Op: "copy", Path: from.String(), Err: ErrReadOnly}
}

func (ReadOnly) Move(ctx context.Context, from, to Location) error {
	return &PathError{Op: "move", Path: from.String(), Err: ErrReadOnly}
}

// ReadOnlyCapabilities returns a descriptor with only reads enabled.
func ReadOnlyCapabilities(scheme, displayName string) Capabilities {
	return Capabilities{
		Scheme:                  scheme,
		DisplayName:             displayName,
		CanRead:                 true,
		RequiresExplicitRefresh: true,
	}
}
