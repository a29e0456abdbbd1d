//go:build !linux

package vcpus

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

func pinThread(mask uint64) (func(), error) {
	return nil, fmt.Errorf("vcpus: pinning to %#x: %w", mask, hv.ErrUnsupported)
}
