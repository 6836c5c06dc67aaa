package tiered

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"stormkv/protocol"
)

func openTestDisk(t *testing.T, pages uint64) (*DiskFile, chan func()) {
	t.Helper()
	posted := make(chan func(), 64)
	path := filepath.Join(t.TempDir(), "backing")
	d, err := OpenDiskFile(path, pages*protocol.PageSize, func(f func()) { posted <- f })
	if err != nil {
		t.Fatalf("OpenDiskFile failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, posted
}

func pump(t *testing.T, posted chan func(), cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case f := <-posted:
			f()
		case <-deadline:
			t.Fatal("timed out waiting for disk completion")
		}
	}
}

func TestDiskAllocateFirstFit(t *testing.T) {
	d, _ := openTestDisk(t, 8)

	var offs []uint64
	for i := 0; i < 3; i++ {
		off, err := d.Allocate(1)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		offs = append(offs, off)
	}
	for i, want := range []uint64{0, protocol.PageSize, 2 * protocol.PageSize} {
		if offs[i] != want {
			t.Errorf("alloc %d at %d; want %d", i, offs[i], want)
		}
	}
	if d.UsedPages() != 3 {
		t.Errorf("UsedPages = %d; want 3", d.UsedPages())
	}

	// Freeing the middle page opens the first-fit hole again.
	d.Free(protocol.PageSize, 1)
	off, err := d.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate after free failed: %v", err)
	}
	if off != protocol.PageSize {
		t.Errorf("refill at %d; want %d", off, uint64(protocol.PageSize))
	}
}

func TestDiskAllocateContiguousRun(t *testing.T) {
	d, _ := openTestDisk(t, 8)

	if _, err := d.Allocate(1); err != nil {
		t.Fatal(err)
	}
	off, err := d.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate(3) failed: %v", err)
	}
	if off != protocol.PageSize {
		t.Errorf("run start = %d; want %d", off, uint64(protocol.PageSize))
	}
	if d.UsedPages() != 4 {
		t.Errorf("UsedPages = %d; want 4", d.UsedPages())
	}
}

func TestDiskAllocateExhausted(t *testing.T) {
	d, _ := openTestDisk(t, 2)

	if _, err := d.Allocate(3); !errors.Is(err, protocol.ErrOutOfDiskSpace) {
		t.Errorf("oversized alloc err = %v; want ErrOutOfDiskSpace", err)
	}
	if _, err := d.Allocate(2); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Allocate(1); !errors.Is(err, protocol.ErrOutOfDiskSpace) {
		t.Errorf("full-file alloc err = %v; want ErrOutOfDiskSpace", err)
	}
}

func TestDiskWriteReadRoundTrip(t *testing.T) {
	d, posted := openTestDisk(t, 4)

	off, err := d.Allocate(1)
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("ab"), 100)

	var wrote bool
	d.WriteAsync(off, payload, func(_ []byte, err error) {
		if err != nil {
			t.Errorf("write failed: %v", err)
		}
		wrote = true
	})
	pump(t, posted, func() bool { return wrote })

	var got []byte
	d.ReadAsync(off, uint32(len(payload)), func(buf []byte, err error) {
		if err != nil {
			t.Errorf("read failed: %v", err)
		}
		got = buf
	})
	pump(t, posted, func() bool { return got != nil })
	if !bytes.Equal(got, payload) {
		t.Error("async read returned different bytes")
	}

	sync, err := d.ReadSync(off, uint32(len(payload)))
	if err != nil {
		t.Fatalf("ReadSync failed: %v", err)
	}
	if !bytes.Equal(sync, payload) {
		t.Error("sync read returned different bytes")
	}
}

func TestDiskClosedRejectsRequests(t *testing.T) {
	d, posted := openTestDisk(t, 2)
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	var gotErr error
	d.ReadAsync(0, 8, func(_ []byte, err error) { gotErr = err })
	pump(t, posted, func() bool { return gotErr != nil })
	if !errors.Is(gotErr, protocol.ErrClosed) {
		t.Errorf("err = %v; want ErrClosed", gotErr)
	}
}
