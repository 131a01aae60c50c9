package server

import (
	"errors"
	"reflect"
	"testing"

	"github.com/virtforge/go-storvsp/pkg/backend"
	"github.com/virtforge/go-storvsp/pkg/scsi"
)

func testDevice(t *testing.T, blocks int) scsi.Device {
	t.Helper()

	return scsi.NewEmulatedDisk(
		backend.NewMemoryBackend(make([]byte, blocks*testBlockSize)),
		&scsi.DiskOptions{BlockSize: testBlockSize},
	)
}

func TestControllerAttachDetach(t *testing.T) {
	c := NewController()

	if err := c.Attach(0, testDevice(t, 8)); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if err := c.Attach(0, testDevice(t, 8)); !errors.Is(err, ErrLunOccupied) {
		t.Errorf("double attach: got %v, want %v", err, ErrLunOccupied)
	}

	if _, ok := c.Lookup(0); !ok {
		t.Error("lookup missed an attached lun")
	}
	if _, ok := c.Lookup(1); ok {
		t.Error("lookup found a lun that was never attached")
	}

	if err := c.Detach(0); err != nil {
		t.Fatalf("detach failed: %v", err)
	}
	if err := c.Detach(0); !errors.Is(err, ErrLunNotAttached) {
		t.Errorf("double detach: got %v, want %v", err, ErrLunNotAttached)
	}
	if _, ok := c.Lookup(0); ok {
		t.Error("lookup found a detached lun")
	}
}

func TestControllerLunsAreSorted(t *testing.T) {
	c := NewController()

	for _, lun := range []uint8{9, 0, 4} {
		if err := c.Attach(lun, testDevice(t, 8)); err != nil {
			t.Fatalf("attach %d failed: %v", lun, err)
		}
	}

	if got := c.Luns(); !reflect.DeepEqual(got, []uint8{0, 4, 9}) {
		t.Errorf("luns %v, want [0 4 9]", got)
	}
}

func TestControllerSnapshot(t *testing.T) {
	c := NewController()

	if err := c.Attach(2, testDevice(t, 16)); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	snap := c.Snapshot()
	if len(snap.Luns) != 1 {
		t.Fatalf("snapshot holds %d luns, want 1", len(snap.Luns))
	}
	got := snap.Luns[0]
	if got.Lun != 2 || got.Blocks != 16 || got.BlockSize != testBlockSize {
		t.Errorf("snapshot %+v, want lun 2 with 16 blocks of %d bytes", got, testBlockSize)
	}
}
