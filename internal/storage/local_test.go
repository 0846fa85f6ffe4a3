package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocal_Get(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rates.yaml"), []byte("countries: {}"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	rc, err := NewLocal(dir).Get(context.Background(), "rates.yaml")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()

	data, _ := io.ReadAll(rc)
	if string(data) != "countries: {}" {
		t.Errorf("content = %q", data)
	}
}

func TestLocal_Get_AbsolutePathWithoutBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	os.WriteFile(path, []byte("x"), 0o644)

	rc, err := NewLocal("").Get(context.Background(), path)
	if err != nil {
		t.Fatalf("Get(%q): %v", path, err)
	}
	rc.Close()
}

func TestLocal_Get_NotFound(t *testing.T) {
	_, err := NewLocal(t.TempDir()).Get(context.Background(), "missing.yaml")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestLocal_Put(t *testing.T) {
	dir := t.TempDir()
	store := NewLocal(dir)

	if err := store.Put(context.Background(), "snapshots/rates.yaml", strings.NewReader("data"), "application/yaml"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "snapshots", "rates.yaml"))
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(data) != "data" {
		t.Errorf("file content = %q, want %q", data, "data")
	}
}

func TestLocal_Put_InvalidBasePath(t *testing.T) {
	// Can't create subdirectories under a device file.
	store := NewLocal("/dev/null")

	err := store.Put(context.Background(), "sub/rates.yaml", strings.NewReader("data"), "application/yaml")
	if err == nil {
		t.Fatal("expected error when base path is invalid, got nil")
	}
	if !strings.Contains(err.Error(), "creating directory") {
		t.Errorf("expected directory creation error, got: %v", err)
	}
}

// errReader is a reader that always fails.
type errReader struct{ err error }

func (r *errReader) Read(p []byte) (int, error) { return 0, r.err }

func TestLocal_Put_ReaderError(t *testing.T) {
	dir := t.TempDir()
	store := NewLocal(dir)

	err := store.Put(context.Background(), "broken.yaml", &errReader{err: errors.New("disk exploded")}, "application/yaml")
	if err == nil {
		t.Fatal("expected error from broken reader, got nil")
	}
	if !strings.Contains(err.Error(), "writing file") {
		t.Errorf("expected writing file error, got: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "broken.yaml")); !os.IsNotExist(statErr) {
		t.Error("expected partial file to be cleaned up after write error")
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		input   string
		want    Location
		wantErr bool
	}{
		{input: "./rates.yaml", want: Location{Key: "./rates.yaml"}},
		{input: "/etc/vatcalc/rates.yaml", want: Location{Key: "/etc/vatcalc/rates.yaml"}},
		{input: "s3://rates/2025/rates.yaml", want: Location{Bucket: "rates", Key: "2025/rates.yaml"}},
		{input: "s3://rates", wantErr: true},
		{input: "s3:///rates.yaml", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseLocation(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLocation(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLocation(%q) = %+v, want %+v", tt.input, got, tt.want)
		}
		if !tt.wantErr && got.String() != tt.input {
			t.Errorf("Location.String() = %q, want %q", got.String(), tt.input)
		}
	}
}

func TestRead_Local(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	os.WriteFile(path, []byte("countries: {}"), 0o644)

	rc, err := Read(context.Background(), path, S3Config{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer rc.Close()

	data, _ := io.ReadAll(rc)
	if string(data) != "countries: {}" {
		t.Errorf("content = %q", data)
	}
}
