package rates

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgecommerce/vatcalc/internal/storage"
)

func TestOpen_EmptyLocationUsesEmbedded(t *testing.T) {
	table, err := Open(context.Background(), "", storage.S3Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := len(table.Countries()); got != 30 {
		t.Errorf("countries = %d, want 30", got)
	}
}

func TestOpen_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	doc := `
countries:
  DE:
    rate: "0.19"
    rates:
      reduced: "0.07"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing snapshot: %v", err)
	}

	table, err := Open(context.Background(), path, storage.S3Config{}, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := table.Rate("DE", "", Reduced, time.Time{}); !got.Equal(d("0.07")) {
		t.Errorf("DE reduced = %s, want 0.07", got)
	}
	if table.ShouldCollectVAT("FR") {
		t.Error("FR should not be active in a DE-only snapshot")
	}
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), storage.S3Config{})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want storage.ErrNotFound", err)
	}
}

func TestOpen_InvalidSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	os.WriteFile(path, []byte("countries:\n  DE:\n    rate: lots\n"), 0o644)

	if _, err := Open(context.Background(), path, storage.S3Config{}); err == nil {
		t.Fatal("expected error for invalid rate")
	}
}
