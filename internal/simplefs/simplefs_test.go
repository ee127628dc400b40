package simplefs

import (
	"bytes"
	"sort"
	"testing"

	"github.com/trust0-project/havy-os-go/internal/device"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	blk := device.NewMemBlock(64)
	blk.MarkReady()
	fs := New(blk, 4)
	if err := fs.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return fs
}

func TestOperationsBeforeMountFail(t *testing.T) {
	blk := device.NewMemBlock(64)
	blk.MarkReady()
	fs := New(blk, 4)
	if _, err := fs.ReadFile("x"); err != ErrNotMounted {
		t.Fatalf("ReadFile before Mount = %v, want ErrNotMounted", err)
	}
	if err := fs.WriteFile("x", []byte("y")); err != ErrNotMounted {
		t.Fatalf("WriteFile before Mount = %v, want ErrNotMounted", err)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	data := []byte("hello simplefs")
	if err := fs.WriteFile("greeting.txt", data); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := fs.ReadFile("greeting.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("ReadFile() = %q, want %q", got, data)
	}
}

func TestReadMissingFileReturnsNotFound(t *testing.T) {
	fs := newTestFS(t)
	if _, err := fs.ReadFile("nope"); err != ErrNotFound {
		t.Fatalf("ReadFile(nope) = %v, want ErrNotFound", err)
	}
}

func TestWriteFileSpanningMultipleSectors(t *testing.T) {
	fs := newTestFS(t)
	data := bytes.Repeat([]byte{0xAB}, device.SectorSize*3+17)
	if err := fs.WriteFile("big.bin", data); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := fs.ReadFile("big.bin")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("multi-sector round trip mismatch")
	}
}

func TestListDirReturnsAllEntries(t *testing.T) {
	fs := newTestFS(t)
	_ = fs.WriteFile("a.txt", []byte("1"))
	_ = fs.WriteFile("b.txt", []byte("22"))

	names, err := fs.ListDir("/")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
		t.Fatalf("ListDir() = %v, want [a.txt b.txt]", names)
	}
}

func TestRemoveThenListDirOmitsFile(t *testing.T) {
	fs := newTestFS(t)
	_ = fs.WriteFile("gone.txt", []byte("bye"))
	if err := fs.Remove("gone.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := fs.ReadFile("gone.txt"); err != ErrNotFound {
		t.Fatalf("ReadFile after Remove = %v, want ErrNotFound", err)
	}
	names, _ := fs.ListDir("/")
	if len(names) != 0 {
		t.Fatalf("ListDir after Remove = %v, want empty", names)
	}
}

func TestRemoveUnknownFileReturnsNotFound(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.Remove("missing"); err != ErrNotFound {
		t.Fatalf("Remove(missing) = %v, want ErrNotFound", err)
	}
}

func TestWriteFileSameLengthOverwritesInPlace(t *testing.T) {
	fs := newTestFS(t)
	_ = fs.WriteFile("f.txt", []byte("aaaa"))
	if err := fs.WriteFile("f.txt", []byte("bbbb")); err != nil {
		t.Fatalf("overwrite WriteFile: %v", err)
	}
	got, _ := fs.ReadFile("f.txt")
	if string(got) != "bbbb" {
		t.Fatalf("ReadFile() = %q, want %q", got, "bbbb")
	}
}

func TestWriteFileDifferentLengthReturnsErrExists(t *testing.T) {
	fs := newTestFS(t)
	_ = fs.WriteFile("f.txt", []byte("aaaa"))
	if err := fs.WriteFile("f.txt", []byte("a")); err != ErrExists {
		t.Fatalf("WriteFile with changed length = %v, want ErrExists", err)
	}
}

func TestWriteFileNameTooLongRejected(t *testing.T) {
	fs := newTestFS(t)
	longName := bytes.Repeat([]byte("x"), nameFieldLen)
	if err := fs.WriteFile(string(longName), []byte("x")); err != ErrNameTooLong {
		t.Fatalf("WriteFile with long name = %v, want ErrNameTooLong", err)
	}
}

func TestMountRecoversNextFreeSectorAfterRemount(t *testing.T) {
	blk := device.NewMemBlock(64)
	blk.MarkReady()
	fs1 := New(blk, 4)
	if err := fs1.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := fs1.WriteFile("a.txt", bytes.Repeat([]byte{1}, device.SectorSize)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fs2 := New(blk, 4)
	if err := fs2.Mount(); err != nil {
		t.Fatalf("remount Mount: %v", err)
	}
	if err := fs2.WriteFile("b.txt", []byte("second file")); err != nil {
		t.Fatalf("WriteFile after remount: %v", err)
	}
	gotA, err := fs2.ReadFile("a.txt")
	if err != nil || len(gotA) != device.SectorSize {
		t.Fatalf("ReadFile(a.txt) after remount = (%d bytes, %v)", len(gotA), err)
	}
	gotB, err := fs2.ReadFile("b.txt")
	if err != nil || string(gotB) != "second file" {
		t.Fatalf("ReadFile(b.txt) after remount = (%q, %v)", gotB, err)
	}
}
