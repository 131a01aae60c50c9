package server

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/virtforge/go-storvsp/pkg/scsi"
)

var (
	ErrLunOccupied    = errors.New("lun already attached")
	ErrLunNotAttached = errors.New("lun not attached")
)

// Controller is the registry of attached logical units. Attachment is a
// host-side configuration operation; it is never reachable from guest
// input. Lookups happen concurrently from every in-flight dispatch, so the
// lun map is replaced wholesale under the mutex and read without it.
type Controller struct {
	mu    sync.Mutex
	disks atomic.Value // map[uint8]scsi.Device

	log *logrus.Entry
}

func NewController() *Controller {
	c := &Controller{
		log: logrus.WithField("component", "controller"),
	}
	c.disks.Store(map[uint8]scsi.Device{})
	return c
}

func (c *Controller) luns() map[uint8]scsi.Device {
	return c.disks.Load().(map[uint8]scsi.Device)
}

// Attach registers a disk at the given lun. Attaching over an occupied
// lun is a host programming fault and fails loudly.
func (c *Controller) Attach(lun uint8, disk scsi.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.luns()
	if _, ok := old[lun]; ok {
		return fmt.Errorf("%w: %d", ErrLunOccupied, lun)
	}

	next := make(map[uint8]scsi.Device, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[lun] = disk
	c.disks.Store(next)

	blocks, blockSize := disk.Capacity()
	c.log.WithFields(logrus.Fields{
		"lun":        lun,
		"blocks":     blocks,
		"block_size": blockSize,
	}).Info("disk attached")

	return nil
}

// Detach removes the disk at the given lun.
func (c *Controller) Detach(lun uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.luns()
	if _, ok := old[lun]; !ok {
		return fmt.Errorf("%w: %d", ErrLunNotAttached, lun)
	}

	next := make(map[uint8]scsi.Device, len(old))
	for k, v := range old {
		if k != lun {
			next[k] = v
		}
	}
	c.disks.Store(next)

	c.log.WithField("lun", lun).Info("disk detached")
	return nil
}

// Lookup resolves a lun to its disk. Safe for concurrent use without
// locking.
func (c *Controller) Lookup(lun uint8) (scsi.Device, bool) {
	disk, ok := c.luns()[lun]
	return disk, ok
}

// Luns returns the attached lun addresses in ascending order.
func (c *Controller) Luns() []uint8 {
	m := c.luns()
	luns := make([]uint8, 0, len(m))
	for lun := range m {
		luns = append(luns, lun)
	}
	slices.Sort(luns)
	return luns
}

// LunSnapshot describes one attached unit for diagnostics.
type LunSnapshot struct {
	Lun       uint8
	Blocks    uint64
	BlockSize uint32
}

// ControllerSnapshot is a read-only view of controller state for operator
// tooling; it is not part of the wire protocol.
type ControllerSnapshot struct {
	Luns []LunSnapshot
}

func (c *Controller) Snapshot() ControllerSnapshot {
	m := c.luns()

	snap := ControllerSnapshot{Luns: make([]LunSnapshot, 0, len(m))}
	for _, lun := range c.Luns() {
		blocks, blockSize := m[lun].Capacity()
		snap.Luns = append(snap.Luns, LunSnapshot{
			Lun:       lun,
			Blocks:    blocks,
			BlockSize: blockSize,
		})
	}
	return snap
}
