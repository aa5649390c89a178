package core

import (
	"context"
	"fmt"
)

// Directory expands group principals to their member user ids.
type Directory interface {
	GroupMembers(ctx context.Context, group string) ([]string, error)
}

// StaticDirectory is a fixed group -> members mapping.
type StaticDirectory map[string][]string

func (d StaticDirectory) GroupMembers(_ context.Context, group string) ([]string, error) {
	members, ok := d[group]
	if !ok {
		return nil, fmt.Errorf("unknown group %q", group)
	}
	return members, nil
}
