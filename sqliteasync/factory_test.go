package sqliteasync

import (
	"path/filepath"
	"testing"
	"time"
)

func TestResolveFilenamePassesSpecialNamesThrough(t *testing.T) {
	if got := resolveFilename(""); got != "" {
		t.Fatalf("got %q, want empty string unchanged", got)
	}
	if got := resolveFilename(":memory:"); got != ":memory:" {
		t.Fatalf("got %q, want :memory: unchanged", got)
	}
}

func TestResolveFilenameAbsolutizesRelativePaths(t *testing.T) {
	got := resolveFilename("data/app.db")
	if !filepath.IsAbs(got) {
		t.Fatalf("got %q, want an absolute path", got)
	}
	if filepath.Base(got) != "app.db" {
		t.Fatalf("got %q, want it to still end in app.db", got)
	}
}

func TestResolveFilenameLeavesAbsolutePathsAlone(t *testing.T) {
	abs := filepath.Join(string(filepath.Separator), "var", "lib", "app.db")
	if got := resolveFilename(abs); got != abs {
		t.Fatalf("got %q, want %q unchanged", got, abs)
	}
}

func TestLazyOptionsToInternalCarriesIdlePeriod(t *testing.T) {
	d := 250 * time.Millisecond
	internal := LazyOptions{IdlePeriod: &d}.toInternal(nil)
	if internal.IdlePeriod == nil || *internal.IdlePeriod != d {
		t.Fatalf("got %v, want idle period %v carried through", internal.IdlePeriod, d)
	}
}

func TestLazyOptionsToInternalDefaultsIdlePeriod(t *testing.T) {
	internal := LazyOptions{}.toInternal(nil)
	if internal.IdlePeriod != nil {
		t.Fatalf("got %v, want nil idle period to pass through as nil (caller-side default)", internal.IdlePeriod)
	}
}
