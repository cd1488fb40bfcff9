package pagestore

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
)

func newTestPageFile(t *testing.T) *PageFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.page")
	pf, err := New(path, 1, 64, false)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := pf.Ensure(); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	return pf
}

func TestEnsureFormatsNewFile(t *testing.T) {
	pf := newTestPageFile(t)

	hdr, err := pf.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader() error: %v", err)
	}
	if hdr.Type != 1 || hdr.PageSize != 64 {
		t.Fatalf("header = %+v, want type=1 pageSize=64", hdr)
	}
	if pf.Pages() != 1 {
		t.Fatalf("Pages() = %d, want 1 on a freshly formatted file (the reserved super page)", pf.Pages())
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.page")
	pf, err := New(path, 1, 64, false)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := pf.Ensure(); err != nil {
		t.Fatalf("first Ensure() error: %v", err)
	}
	if _, _, err := pf.AllocatePage(); err != nil {
		t.Fatalf("AllocatePage() error: %v", err)
	}
	if err := pf.Ensure(); err != nil {
		t.Fatalf("second Ensure() error: %v", err)
	}
	if pf.Pages() != 2 {
		t.Fatalf("Pages() = %d after idempotent Ensure, want 2 (super page plus the one allocation, which must survive)", pf.Pages())
	}
}

func TestReopenRecoversAllocationPointer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.page")
	pf, err := New(path, 1, 64, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := pf.Ensure(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := pf.AllocatePage(); err != nil {
			t.Fatal(err)
		}
	}
	if err := pf.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	reopened, err := New(path, 1, 64, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := reopened.Ensure(); err != nil {
		t.Fatalf("Ensure() on reopen error: %v", err)
	}
	if reopened.Pages() != 4 {
		t.Fatalf("Pages() after reopen = %d, want 4 (super page plus 3 allocations)", reopened.Pages())
	}
}

func TestAllocatePageIsUniqueUnderConcurrency(t *testing.T) {
	pf := newTestPageFile(t)

	const n = 100
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := pf.AllocatePage()
			if err != nil {
				t.Error(err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("page id %d allocated twice", id)
		}
		seen[id] = true
	}
	if pf.Pages() != n+1 {
		t.Fatalf("Pages() = %d, want %d (super page plus %d allocations)", pf.Pages(), n+1, n)
	}
}

func TestWriteReadPageRoundTrip(t *testing.T) {
	pf := newTestPageFile(t)

	id, tag, err := pf.AllocatePage()
	if err != nil {
		t.Fatal(err)
	}

	payload := make([]byte, 64)
	copy(payload, []byte("hello page store"))

	if err := pf.WritePage(id, tag, payload, false); err != nil {
		t.Fatalf("WritePage() error: %v", err)
	}

	got, err := pf.ReadPage(id, false)
	if err != nil {
		t.Fatalf("ReadPage() error: %v", err)
	}
	if string(got[:len("hello page store")]) != "hello page store" {
		t.Fatalf("ReadPage() payload mismatch: %q", got[:len("hello page store")])
	}
}

func TestReadPageKeepCrcContract(t *testing.T) {
	pf := newTestPageFile(t)

	id, tag, err := pf.AllocatePage()
	if err != nil {
		t.Fatal(err)
	}
	if err := pf.WritePage(id, tag, []byte("crc slot contract"), false); err != nil {
		t.Fatal(err)
	}

	withoutCrc, err := pf.ReadPage(id, false)
	if err != nil {
		t.Fatalf("ReadPage(keepCrc=false) error: %v", err)
	}
	for i := pf.pageSize - crcSlotSize; i < pf.pageSize; i++ {
		if withoutCrc[i] != 0 {
			t.Fatalf("ReadPage(keepCrc=false) CRC slot byte %d = %d, want 0", i, withoutCrc[i])
		}
	}

	withCrc, err := pf.ReadPage(id, true)
	if err != nil {
		t.Fatalf("ReadPage(keepCrc=true) error: %v", err)
	}
	crc := binary.LittleEndian.Uint32(withCrc[pf.pageSize-crcSlotSize:])
	if crc == 0 {
		t.Fatal("ReadPage(keepCrc=true) should restore the verified, non-zero CRC into the slot")
	}
}

func TestReadPageDetectsCorruption(t *testing.T) {
	pf := newTestPageFile(t)

	id, tag, err := pf.AllocatePage()
	if err != nil {
		t.Fatal(err)
	}
	if err := pf.WritePage(id, tag, []byte("intact payload"), false); err != nil {
		t.Fatal(err)
	}

	offset := int64(HeaderSize) + int64(id)*int64(pf.pageSize)
	if _, err := pf.file.WriteAt([]byte{0xFF}, offset+5); err != nil {
		t.Fatal(err)
	}

	if _, err := pf.ReadPage(id, false); err == nil {
		t.Fatal("expected a CRC verification error after corrupting the page payload")
	}
}

func TestReadUnwrittenPageIsZeroFilled(t *testing.T) {
	pf := newTestPageFile(t)

	id, _, err := pf.AllocatePage()
	if err != nil {
		t.Fatal(err)
	}

	got, err := pf.ReadPage(id, false)
	if err != nil {
		t.Fatalf("ReadPage() on a never-written page should not error: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0 for an unwritten page", i, b)
		}
	}
}

func TestWritePageDropsStaleTagAfterTruncate(t *testing.T) {
	pf := newTestPageFile(t)

	id, staleTag, err := pf.AllocatePage()
	if err != nil {
		t.Fatal(err)
	}

	if err := pf.Truncate(); err != nil {
		t.Fatalf("Truncate() error: %v", err)
	}

	if err := pf.WritePage(id, staleTag, []byte("should be dropped"), false); err != nil {
		t.Fatalf("WritePage() with a stale tag should be a silent no-op, not an error: %v", err)
	}
	if pf.Pages() != 1 {
		t.Fatalf("Pages() = %d after Truncate, want 1 (only the reserved super page)", pf.Pages())
	}
}

func TestWritePageRejectsUnallocatedOffset(t *testing.T) {
	pf := newTestPageFile(t)

	if err := pf.WritePage(5, pf.Tag(), []byte("out of range"), false); err == nil {
		t.Fatal("expected an error writing to a page beyond the allocated region outside recovery")
	}
}

func TestRecoveryBypassesAllocationBoundsCheck(t *testing.T) {
	pf := newTestPageFile(t)

	pf.BeginRecover()
	defer pf.FinishRecover()

	if err := pf.WritePage(5, pf.Tag(), []byte("replayed during recovery"), false); err != nil {
		t.Fatalf("WritePage() during recovery should bypass the bounds assertion: %v", err)
	}

	got, err := pf.ReadPage(5, false)
	if err != nil {
		t.Fatalf("ReadPage() error: %v", err)
	}
	if string(got[:len("replayed during recovery")]) != "replayed during recovery" {
		t.Fatal("recovered page content mismatch")
	}
}
