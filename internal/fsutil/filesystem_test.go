package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOSFileSystem_Exists(t *testing.T) {
	fs := OSFileSystem{}

	if !fs.Exists("filesystem.go") {
		t.Error("expected filesystem.go to exist")
	}
	if fs.Exists("nonexistent_file_xyz.go") {
		t.Error("expected nonexistent file to not exist")
	}
}

func TestOSFileSystem_WriteReadStat(t *testing.T) {
	fs := OSFileSystem{}
	dir := t.TempDir()
	path := filepath.Join(dir, "exports", "doc.json")

	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := fs.WriteFile(path, []byte(`{"ok":true}`), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := fs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("read back %q", data)
	}

	info, err := fs.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != int64(len(data)) {
		t.Errorf("Size = %d, want %d", info.Size(), len(data))
	}
}

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()

	testData := []byte("hello, world")
	if err := mfs.WriteFile("/exports/test.txt", testData, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := mfs.ReadFile("/exports/test.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != string(testData) {
		t.Errorf("expected %q, got %q", testData, data)
	}

	// The returned slice is a copy.
	data[0] = 'X'
	again, _ := mfs.ReadFile("/exports/test.txt")
	if string(again) != string(testData) {
		t.Error("ReadFile aliased internal storage")
	}
}

func TestMemoryFileSystem_ReadMissing(t *testing.T) {
	mfs := NewMemoryFileSystem()

	_, err := mfs.ReadFile("/missing.txt")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want ErrNotExist", err)
	}
}

func TestMemoryFileSystem_MkdirAll(t *testing.T) {
	mfs := NewMemoryFileSystem()

	if err := mfs.MkdirAll("/a/b/c", 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for _, p := range []string{"/a", "/a/b", "/a/b/c"} {
		if !mfs.Exists(p) {
			t.Errorf("expected %s to exist", p)
		}
	}

	info, err := mfs.Stat("/a/b")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected /a/b to be a directory")
	}
}

func TestMemoryFileSystem_Stat(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.WriteFile("/plot.png", []byte{1, 2, 3}, 0600)

	info, err := mfs.Stat("/plot.png")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Name() != "plot.png" || info.Size() != 3 || info.IsDir() {
		t.Errorf("info = {%s %d dir=%v}", info.Name(), info.Size(), info.IsDir())
	}
	if info.Mode() != 0600 {
		t.Errorf("Mode = %v, want 0600", info.Mode())
	}

	if _, err := mfs.Stat("/nope"); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestMemoryFileSystem_InjectedFailures(t *testing.T) {
	mfs := NewMemoryFileSystem()
	boom := errors.New("disk full")

	mfs.WriteErr = boom
	if err := mfs.WriteFile("/x", nil, 0644); !errors.Is(err, boom) {
		t.Errorf("WriteFile error = %v, want injected", err)
	}

	mfs.MkdirErr = boom
	if err := mfs.MkdirAll("/y", 0755); !errors.Is(err, boom) {
		t.Errorf("MkdirAll error = %v, want injected", err)
	}
}

func TestMemoryFileSystem_Files(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.WriteFile("/one", nil, 0644)
	mfs.WriteFile("/two", nil, 0644)

	if got := len(mfs.Files()); got != 2 {
		t.Errorf("Files() returned %d entries, want 2", got)
	}
}
