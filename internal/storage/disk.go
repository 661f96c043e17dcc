package storage

import (
	"os"
	"path/filepath"
)

// FilesUsageBytes returns the total size of the named files in dir.
// Missing files are skipped; other stat errors are returned.
func FilesUsageBytes(dir string, names ...string) (int64, error) {
	var total int64
	for _, name := range names {
		if name == "" {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		if !info.IsDir() {
			total += info.Size()
		}
	}
	return total, nil
}

// SnapshotUsageBytes returns the on-disk size of the artifacts m references
// plus the manifest itself.
func SnapshotUsageBytes(dir string, m *Manifest) (int64, error) {
	names := []string{ManifestFile}
	if m != nil {
		names = append(names, m.Files()...)
	}
	return FilesUsageBytes(dir, names...)
}
