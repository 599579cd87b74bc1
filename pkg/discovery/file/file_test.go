package file

import (
    "context"
    "os"
    "path/filepath"
    "testing"
    "time"
)

func seeds(t *testing.T, d interface {
    Seeds(context.Context) ([]string, error)
}) []string {
    t.Helper()
    got, err := d.Seeds(context.Background())
    if err != nil { t.Fatalf("seeds: %v", err) }
    return got
}

func TestEnvOverridesFile(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "seeds.txt")
    if err := os.WriteFile(f, []byte("a:1\n"), 0o644); err != nil { t.Fatal(err) }

    const envName = "TEST_GRID_SEEDS"
    t.Setenv(envName, "y:8,x:9")

    got := seeds(t, New(Options{Path: f, Env: envName, Refresh: 5 * time.Millisecond}))
    if len(got) != 2 || got[0] != "x:9" || got[1] != "y:8" {
        t.Fatalf("env override failed, got %#v", got)
    }
}

func TestFileReadAndCacheRefresh(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "seeds.txt")
    if err := os.WriteFile(f, []byte("# servers\na:1\nb:2\n"), 0o644); err != nil { t.Fatal(err) }

    d := New(Options{Path: f, Refresh: 10 * time.Millisecond})
    got1 := seeds(t, d)
    if len(got1) != 2 || got1[0] != "a:1" || got1[1] != "b:2" {
        t.Fatalf("unexpected initial seeds: %#v", got1)
    }

    if err := os.WriteFile(f, []byte("b:2,c:3\n"), 0o644); err != nil { t.Fatal(err) }
    time.Sleep(15 * time.Millisecond)

    got2 := seeds(t, d)
    if len(got2) != 2 || got2[0] != "b:2" || got2[1] != "c:3" {
        t.Fatalf("expected refreshed seeds, got %#v", got2)
    }

    // a vanished file keeps serving the last good list
    if err := os.Remove(f); err != nil { t.Fatal(err) }
    got3 := seeds(t, d)
    if len(got3) != 2 { t.Fatalf("expected cached seeds, got %#v", got3) }
}

func TestGlobReadsUniqueSorted(t *testing.T) {
    dir := t.TempDir()
    if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a:1\nb:2\n"), 0o644); err != nil { t.Fatal(err) }
    if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b:2\nc:3\n"), 0o644); err != nil { t.Fatal(err) }

    got := seeds(t, New(Options{Path: filepath.Join(dir, "*.txt"), Refresh: 5 * time.Millisecond}))
    want := []string{"a:1", "b:2", "c:3"}
    if len(got) != len(want) {
        t.Fatalf("len mismatch: got %d want %d (%#v)", len(got), len(want), got)
    }
    for i := range want {
        if got[i] != want[i] {
            t.Fatalf("item %d: got %q want %q (%#v)", i, got[i], want[i], got)
        }
    }
}

func TestMissingSourceFails(t *testing.T) {
    d := New(Options{Path: filepath.Join(t.TempDir(), "none.txt")})
    if _, err := d.Seeds(context.Background()); err == nil {
        t.Fatalf("expected error for missing file")
    }
    if _, err := New(Options{}).Seeds(context.Background()); err == nil {
        t.Fatalf("expected error without a path")
    }
}
