package tiered

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"stormkv/protocol"
)

// ioReq is one unit of work for the disk goroutine. Exactly one of read
// or write is set.
type ioReq struct {
	off   uint64
	buf   []byte
	write bool
	done  func([]byte, error)
}

// DiskFile is the page-granular backing file of one shard. Allocation is
// tracked in an in-memory page bitmap; the file itself carries no
// metadata and is discarded on restart.
//
// Allocate and Free must run on the owning shard's executor. Reads and
// writes are handed to a single I/O goroutine; completions are posted
// back through the post hook so they too run on the executor.
type DiskFile struct {
	f        *os.File
	pages    []uint64 // allocation bitmap, 1 = in use
	capacity uint64   // total pages
	used     uint64   // allocated pages

	post func(func())

	reqs    chan ioReq
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// OpenDiskFile creates (or truncates) the backing file at path with room
// for maxSize bytes, rounded down to whole pages.
func OpenDiskFile(path string, maxSize uint64, post func(func())) (*DiskFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open backing file: %w", err)
	}
	capacity := maxSize / protocol.PageSize
	if capacity == 0 {
		f.Close()
		return nil, errors.New("backing file smaller than one page")
	}
	d := &DiskFile{
		f:        f,
		pages:    make([]uint64, (capacity+63)/64),
		capacity: capacity,
		post:     post,
		reqs:     make(chan ioReq, 128),
	}
	d.wg.Add(1)
	go d.ioLoop()
	return d, nil
}

func (d *DiskFile) ioLoop() {
	defer d.wg.Done()
	for req := range d.reqs {
		var err error
		if req.write {
			_, err = d.f.WriteAt(req.buf, int64(req.off))
		} else {
			_, err = d.f.ReadAt(req.buf, int64(req.off))
		}
		buf, done := req.buf, req.done
		d.post(func() { done(buf, err) })
	}
}

// Capacity returns the file capacity in bytes.
func (d *DiskFile) Capacity() uint64 { return d.capacity * protocol.PageSize }

// UsedPages returns the number of allocated pages.
func (d *DiskFile) UsedPages() uint64 { return d.used }

func (d *DiskFile) pageInUse(i uint64) bool { return d.pages[i/64]&(1<<(i%64)) != 0 }
func (d *DiskFile) setPage(i uint64)        { d.pages[i/64] |= 1 << (i % 64) }
func (d *DiskFile) clearPage(i uint64)      { d.pages[i/64] &^= 1 << (i % 64) }

// Allocate reserves a run of n contiguous pages, first fit from the
// start of the file. It returns the byte offset of the run, or an error
// when no run of that length exists.
func (d *DiskFile) Allocate(n uint64) (uint64, error) {
	if n == 0 || n > d.capacity {
		return 0, protocol.ErrOutOfDiskSpace
	}
	var run uint64
	for i := uint64(0); i < d.capacity; i++ {
		if d.pageInUse(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i + 1 - n
			for p := start; p <= i; p++ {
				d.setPage(p)
			}
			d.used += n
			return start * protocol.PageSize, nil
		}
	}
	return 0, protocol.ErrOutOfDiskSpace
}

// Free releases the n-page run starting at byte offset off.
func (d *DiskFile) Free(off, n uint64) {
	start := off / protocol.PageSize
	for p := start; p < start+n; p++ {
		if !d.pageInUse(p) {
			slog.Error("double free of disk page", "page", p)
			continue
		}
		d.clearPage(p)
	}
	d.used -= n
}

// ReadSync reads length bytes at off from the calling goroutine,
// bypassing the request queue. Only valid for segments whose write has
// already landed.
func (d *DiskFile) ReadSync(off uint64, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := d.f.ReadAt(buf, int64(off)); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadAsync reads length bytes at off. done runs on the shard executor.
func (d *DiskFile) ReadAsync(off uint64, length uint32, done func([]byte, error)) {
	d.submit(ioReq{off: off, buf: make([]byte, length), done: done})
}

// WriteAsync writes buf at off. The buffer must not be mutated until
// done runs on the shard executor.
func (d *DiskFile) WriteAsync(off uint64, buf []byte, done func([]byte, error)) {
	d.submit(ioReq{off: off, buf: buf, write: true, done: done})
}

func (d *DiskFile) submit(req ioReq) {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		done := req.done
		d.post(func() { done(nil, protocol.ErrClosed) })
		return
	}
	d.reqs <- req
	d.closeMu.Unlock()
}

// Close stops the I/O goroutine after draining queued requests and
// removes the backing file.
func (d *DiskFile) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.reqs)
	d.closeMu.Unlock()
	d.wg.Wait()
	name := d.f.Name()
	err := d.f.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}
