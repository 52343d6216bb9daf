package artifact

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrLowDisk is returned by guards when free space on the bazaar volume has
// fallen under the configured floor. API handlers map it to 507.
var ErrLowDisk = errors.New("insufficient disk space")

// DiskFree reports the free bytes available to unprivileged writers on the
// filesystem holding path.
func DiskFree(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem at %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// DiskGuard refuses writes when free space is low. A zero floor disables
// the guard.
type DiskGuard struct {
	path  string
	floor uint64

	// statfs is swappable for tests.
	statfs func(string) (uint64, error)
}

// NewDiskGuard guards the filesystem at path with the given free-byte floor.
func NewDiskGuard(path string, floor uint64) *DiskGuard {
	return &DiskGuard{path: path, floor: floor, statfs: DiskFree}
}

// Check returns ErrLowDisk when free space is at or under the floor,
// optionally accounting for an incoming payload of the given size.
func (g *DiskGuard) Check(incoming uint64) error {
	if g.floor == 0 {
		return nil
	}
	free, err := g.statfs(g.path)
	if err != nil {
		return err
	}
	if free <= g.floor+incoming {
		return fmt.Errorf("%w: %d bytes free, floor %d", ErrLowDisk, free, g.floor)
	}
	return nil
}
