package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		fsType  string
		detErr  error
		wantNet bool
		wantErr bool
	}{
		{name: "ext4 magic", fsType: "0xef53"},
		{name: "apfs", fsType: "apfs"},
		{name: "nfs", fsType: "nfs", wantNet: true, wantErr: true},
		{name: "smb uppercase", fsType: "SMBFS", wantNet: true, wantErr: true},
		{name: "unsupported platform passes", detErr: errUnsupportedPlatform},
		{name: "detector failure", detErr: errors.New("statfs: boom"), wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "deployd.db")
			err := checkLocalFilesystem(path, func(string) (string, error) { return tc.fsType, tc.detErr })
			if (err != nil) != tc.wantErr {
				t.Fatalf("checkLocalFilesystem() error = %v, wantErr %v", err, tc.wantErr)
			}
			var nfe *NetworkFilesystemError
			if got := errors.As(err, &nfe); got != tc.wantNet {
				t.Fatalf("NetworkFilesystemError = %v, want %v (err %v)", got, tc.wantNet, err)
			}
		})
	}
}

func TestCheckLocalFilesystemInspectsNearestExistingDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := checkLocalFilesystem(filepath.Join(root, "a", "b", "deployd.db"), func(p string) (string, error) {
		inspected = p
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("checkLocalFilesystem: %v", err)
	}
	if inspected != root {
		t.Fatalf("inspected %q, want %q", inspected, root)
	}
}

func TestCheckLocalFilesystemEmptyPath(t *testing.T) {
	t.Parallel()
	if err := CheckLocalFilesystem(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
