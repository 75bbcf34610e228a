//go:build !linux

package rfkill

import (
	"errors"
	"fmt"
)

// OpenNode fails everywhere but Linux.
func OpenNode(path string) (Node, error) {
	return nil, fmt.Errorf("open %s: %w", path, errors.ErrUnsupported)
}
