package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveFilePathPassThrough(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "agora.db")
	for _, name := range []string{":memory:", abs} {
		if got := ResolveFilePath(name); got != name {
			t.Errorf("Expected %s unchanged, got %s", name, got)
		}
	}
}

func TestResolveFilePathPrefersWorkingDirectory(t *testing.T) {
	name := "paths_test_local.db"
	if err := os.WriteFile(name, nil, 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(name) })

	if got := ResolveFilePath(name); got != name {
		t.Errorf("Expected local %s, got %s", name, got)
	}
}

func TestResolveFilePathFallsBackToConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	want := filepath.Join(home, AppConfigDir, "missing.db")
	if got := ResolveFilePath("missing.db"); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	got := ResolveFilePathWithSubdir(".ssh", "hostkey")
	if got != filepath.Join(home, AppConfigDir, ".ssh", "hostkey") {
		t.Errorf("Expected hostkey under the config dir, got %s", got)
	}
	if info, err := os.Stat(filepath.Dir(got)); err != nil || !info.IsDir() {
		t.Errorf("Expected the .ssh subdirectory to be created, got %v", err)
	}
}
