package pagestore

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"gridworks/pkg/helper/errors"
	"gridworks/pkg/metrics"
)

// crcSlotSize is the width of the trailing checksum slot every page
// reserves out of its own fixed size.
const crcSlotSize = 4

// PageFile is a single fixed-page, append-allocated file: a 17-byte header
// followed by a sequence of equal-sized pages, each ending in a CRC-32
// slot covering the rest of the page. Pages are allocated with a
// compare-and-swap bump allocator and never reused. Page 0, the super
// page, begins immediately after the header, is reserved at creation time
// and is never handed out by AllocatePage; the first page a caller can
// actually allocate is page 1.
//
// Lifecycle operations (Ensure, Stop, Truncate, BeginRecover/FinishRecover,
// Sync) take the exclusive lock. WritePage takes the read lock, so writes
// run concurrently with each other but never alongside a lifecycle
// operation. ReadPage takes no lock at all: torn reads are caught by the
// CRC rather than prevented by synchronization.
type PageFile struct {
	path     string
	pageType uint8
	pageSize uint32
	skipCRC  bool

	mu     sync.RWMutex
	file   *os.File
	inited atomic.Bool

	recovering atomic.Bool
	allocated  atomic.Uint64
	tag        atomic.Int32

	metrics *metrics.Registry
}

// SetMetricsRegistry wires a Prometheus registry into the page store. When
// set, allocations update the allocated-pages gauge and CRC failures
// increment the integrity-violation counter.
func (p *PageFile) SetMetricsRegistry(reg *metrics.Registry) {
	p.metrics = reg
}

// New creates a PageFile handle. No file I/O happens until Ensure is called.
func New(path string, pageType uint8, pageSize uint32, skipCRC bool) (*PageFile, error) {
	if pageSize <= crcSlotSize {
		return nil, errors.InvalidInputf("page size %d must be greater than the %d-byte CRC slot", pageSize, crcSlotSize)
	}
	return &PageFile{
		path:     path,
		pageType: pageType,
		pageSize: pageSize,
		skipCRC:  skipCRC,
	}, nil
}

// Exists reports whether the backing file is already present on disk.
func (p *PageFile) Exists() bool {
	_, err := os.Stat(p.path)
	return err == nil
}

// Ensure opens the backing file, creating and formatting it with a fresh
// header if it did not already exist, or validating and recovering the
// allocation pointer from an existing one. Safe to call repeatedly; only
// the first call after construction (or after Stop) does any work.
func (p *PageFile) Ensure() error {
	if p.inited.Load() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inited.Load() {
		return nil
	}

	file, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open page store file %s", p.path)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrap(err, "failed to stat page store file %s", p.path)
	}

	if info.Size() == 0 {
		hdr := Header{Signature: signature, Version: version, Type: p.pageType, PageSize: p.pageSize}
		if _, err := file.WriteAt(hdr.Marshal(), 0); err != nil {
			file.Close()
			return errors.Wrap(err, "failed to write page store header")
		}
		p.file = file
		p.allocated.Store(uint64(HeaderSize) + uint64(p.pageSize))
		p.tag.Store(0)
		p.inited.Store(true)
		return nil
	}

	if info.Size() < HeaderSize {
		file.Close()
		return errors.IntegrityViolationf("page store file %s is shorter than its header", p.path)
	}

	buf := make([]byte, HeaderSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		file.Close()
		return errors.Wrap(err, "failed to read page store header")
	}
	hdr, err := UnmarshalHeader(buf)
	if err != nil {
		file.Close()
		return err
	}
	if hdr.Type != p.pageType || hdr.PageSize != p.pageSize {
		file.Close()
		return errors.IntegrityViolationf("page store file %s does not match expected type/page size", p.path)
	}

	dataSize := uint64(info.Size() - HeaderSize)
	allocated := uint64(HeaderSize) + (dataSize/uint64(p.pageSize))*uint64(p.pageSize)
	if minAllocated := uint64(HeaderSize) + uint64(p.pageSize); allocated < minAllocated {
		// A header-only file still reserves the super page: it occupies
		// page index 0 but its bytes are never written until some later
		// page's write happens to extend the file past it.
		allocated = minAllocated
	}

	p.file = file
	p.allocated.Store(allocated)
	p.inited.Store(true)
	return nil
}

// CheckFile re-reads and validates the on-disk header against the
// configured type and page size, without otherwise touching state.
func (p *PageFile) CheckFile() error {
	hdr, err := p.ReadHeader()
	if err != nil {
		return err
	}
	if hdr.Type != p.pageType || hdr.PageSize != p.pageSize {
		return errors.IntegrityViolationf("page store file %s does not match expected type/page size", p.path)
	}
	return nil
}

// Stop closes the backing file. Ensure must be called again before further use.
func (p *PageFile) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inited.Load() {
		return nil
	}
	err := p.file.Close()
	p.inited.Store(false)
	return err
}

// Truncate discards all allocated pages, resetting the allocation pointer
// to just past the reserved super page (so Pages() reports 1 and the next
// AllocatePage returns page 1) and bumping the tag epoch so writes issued against
// now-stale page handles are dropped rather than corrupting the truncated
// file.
func (p *PageFile) Truncate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inited.Load() {
		return errors.Internalf("cannot truncate a page store that has not been initialized")
	}
	if err := p.file.Truncate(HeaderSize); err != nil {
		return errors.Wrap(err, "failed to truncate page store file")
	}
	p.allocated.Store(uint64(HeaderSize) + uint64(p.pageSize))
	p.tag.Add(1)
	return nil
}

// BeginRecover and FinishRecover bracket a recovery pass, during which
// WritePage bypasses the allocated-region bounds assertion so pages can be
// replayed in any order before the allocation pointer catches up.
func (p *PageFile) BeginRecover() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recovering.Store(true)
}

func (p *PageFile) FinishRecover() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recovering.Store(false)
}

// Tag returns the current truncate epoch. Callers should capture it
// alongside a page id when they intend to write back later, and pass it to
// WritePage so stale writes from before a truncate are dropped instead of
// silently corrupting the post-truncate file.
func (p *PageFile) Tag() int32 { return p.tag.Load() }

// Pages returns the number of pages allocated so far, including the
// reserved super page: 1 immediately after Ensure, N+1 after N calls to
// AllocatePage.
func (p *PageFile) Pages() uint64 {
	return (p.allocated.Load() - HeaderSize) / uint64(p.pageSize)
}

// AllocatePage atomically reserves the next page via a compare-and-swap
// bump allocator, returning its page id and the tag epoch in effect at
// allocation time. The super page (index 0) was already reserved by
// Ensure, so the first id this returns is 1.
func (p *PageFile) AllocatePage() (uint64, int32, error) {
	if !p.inited.Load() {
		return 0, 0, errors.Internalf("cannot allocate a page before Ensure succeeds")
	}
	for {
		cur := p.allocated.Load()
		next := cur + uint64(p.pageSize)
		if p.allocated.CompareAndSwap(cur, next) {
			if p.metrics != nil {
				p.metrics.SetPageStoreAllocatedPages(p.Pages())
			}
			return (cur - HeaderSize) / uint64(p.pageSize), p.tag.Load(), nil
		}
	}
}

// ReadPage reads a single page without taking any lock. A page beyond the
// current end of file is treated as never written and returned as a
// zero-filled buffer. Otherwise the trailing CRC slot is verified against
// the rest of the page unless the store was configured to skip CRC checks.
// The returned buffer's CRC slot reads as zero unless keepCrc is true, in
// which case the verified CRC is restored into it.
func (p *PageFile) ReadPage(pageID uint64, keepCrc bool) ([]byte, error) {
	offset := int64(HeaderSize) + int64(pageID)*int64(p.pageSize)
	buf := make([]byte, p.pageSize)

	n, err := p.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to read page %d", pageID)
	}
	if n < len(buf) {
		// Short read past the current end of file: an allocated but
		// never-written page reads back as all zeros.
		return buf, nil
	}

	if p.skipCRC {
		return buf, nil
	}

	stored := binary.LittleEndian.Uint32(buf[p.pageSize-crcSlotSize:])
	clearCRCSlot(buf, p.pageSize)
	computed := crc32.ChecksumIEEE(buf)
	if stored != computed {
		if p.metrics != nil {
			p.metrics.RecordIntegrityViolation()
		}
		return nil, errors.IntegrityViolationf("page %d failed CRC verification", pageID)
	}
	if keepCrc {
		binary.LittleEndian.PutUint32(buf[p.pageSize-crcSlotSize:], stored)
	}
	return buf, nil
}

// WritePage writes a single page under the read lock, so multiple writers
// can proceed concurrently while no lifecycle operation is in flight.
//
// tag must be the epoch the caller observed when it decided to write this
// page (typically from a prior AllocatePage or Tag call). If it is
// older than the file's current tag, the write is a no-op: the page file
// was truncated since the caller last looked, and this write refers to a
// page that no longer exists. Unless the store is in recovery, the target
// offset must also fall within the already-allocated region.
//
// If keepCrc is true, the payload's own trailing CRC slot is trusted and
// written through unchanged; otherwise it is recomputed over the rest of
// the page.
func (p *PageFile) WritePage(pageID uint64, tag int32, payload []byte, keepCrc bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if tag < p.tag.Load() {
		return nil
	}

	recovering := p.recovering.Load()

	offset := uint64(HeaderSize) + pageID*uint64(p.pageSize)
	if !recovering && offset+uint64(p.pageSize) > p.allocated.Load() {
		return errors.InvalidInputf("page %d lies outside the allocated region", pageID)
	}

	buf := make([]byte, p.pageSize)
	copy(buf, payload)

	if !keepCrc && !p.skipCRC {
		clearCRCSlot(buf, p.pageSize)
		crc := crc32.ChecksumIEEE(buf)
		binary.LittleEndian.PutUint32(buf[p.pageSize-crcSlotSize:], crc)
	}

	if _, err := p.file.WriteAt(buf, int64(offset)); err != nil {
		return errors.Wrap(err, "failed to write page %d", pageID)
	}
	return nil
}

// Sync flushes the backing file to stable storage under the exclusive lock.
func (p *PageFile) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inited.Load() {
		return nil
	}
	return p.file.Sync()
}

// ReadHeader re-reads the file header from disk.
func (p *PageFile) ReadHeader() (Header, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.inited.Load() {
		return Header{}, errors.Internalf("cannot read header before Ensure succeeds")
	}
	buf := make([]byte, HeaderSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return Header{}, errors.Wrap(err, "failed to read page store header")
	}
	return UnmarshalHeader(buf)
}

func clearCRCSlot(buf []byte, pageSize uint32) {
	for i := pageSize - crcSlotSize; i < pageSize; i++ {
		buf[i] = 0
	}
}
