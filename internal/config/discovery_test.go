package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigDir(t *testing.T, dir string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("api:\n  listen: 127.0.0.1:9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestDiscoverConfigOrder(t *testing.T) {
	root := t.TempDir()
	home := filepath.Join(root, "home")
	system := filepath.Join(root, "etc")
	explicit := writeConfigDir(t, filepath.Join(root, "explicit"))
	writeConfigDir(t, filepath.Join(home, ".config", "deployd"))
	writeConfigDir(t, system)

	got, err := discoverConfig(explicit, home, system)
	if err != nil || got != explicit {
		t.Fatalf("env path: got %q, %v; want %q", got, err, explicit)
	}

	got, err = discoverConfig("", home, system)
	if want := filepath.Join(home, ".config", "deployd"); err != nil || got != want {
		t.Fatalf("home path: got %q, %v; want %q", got, err, want)
	}

	got, err = discoverConfig("", "", system)
	if err != nil || got != system {
		t.Fatalf("system path: got %q, %v; want %q", got, err, system)
	}
}

func TestDiscoverConfigSkipsDirWithoutConfigYAML(t *testing.T) {
	root := t.TempDir()
	home := filepath.Join(root, "home")
	if err := os.MkdirAll(filepath.Join(home, ".config", "deployd"), 0o755); err != nil {
		t.Fatal(err)
	}
	system := writeConfigDir(t, filepath.Join(root, "etc"))

	got, err := discoverConfig("", home, system)
	if err != nil || got != system {
		t.Fatalf("got %q, %v; want %q", got, err, system)
	}
}

func TestDiscoverConfigNothingFound(t *testing.T) {
	root := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(root); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	_, err = discoverConfig(filepath.Join(root, "missing"), filepath.Join(root, "home"), filepath.Join(root, "etc"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "$"+EnvConfigPath) {
		t.Fatalf("error should list checked locations, got %v", err)
	}
}
