package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ManifestFile is the name of the manifest inside an artifact directory. It is
// always written last, so its presence marks a complete snapshot.
const ManifestFile = "manifest.json"

// ManifestFormatVersion is bumped when the manifest layout changes.
const ManifestFormatVersion = 1

var (
	// ErrManifestNotFound is returned when an artifact directory has no manifest.
	ErrManifestNotFound = errors.New("storage: manifest not found")
	// ErrInvalidManifest is returned when a manifest is unreadable or incomplete.
	ErrInvalidManifest = errors.New("storage: invalid manifest")
	// ErrChecksumMismatch is returned when an artifact's SHA-256 differs from the manifest.
	ErrChecksumMismatch = errors.New("storage: checksum mismatch")
)

// Manifest describes one versioned snapshot: an index blob and its matching
// metadata artifact.
type Manifest struct {
	FormatVersion  int       `json:"format_version"`
	Version        string    `json:"version"`
	Dimension      int       `json:"dimension"`
	Metric         string    `json:"metric"`
	IndexType      string    `json:"index_type"`
	Trees          int       `json:"trees"`
	Items          int       `json:"items"`
	IndexFile      string    `json:"index_file"`
	IndexSHA256    string    `json:"index_sha256"`
	MetadataFile   string    `json:"metadata_file"`
	MetadataFormat string    `json:"metadata_format"`
	MetadataSHA256 string    `json:"metadata_sha256"`
	Source         string    `json:"source,omitempty"`
	BuiltAt        time.Time `json:"built_at"`
}

// IndexFileName returns the versioned index file name.
func IndexFileName(version string) string {
	return "index-" + version + ".ann"
}

// MetadataFileName returns the versioned metadata file name for format.
func MetadataFileName(version, format string) string {
	return "metadata-" + version + MetadataExt(format)
}

// Validate checks that the manifest is complete and its file names stay
// inside the artifact directory.
func (m *Manifest) Validate() error {
	switch {
	case m.FormatVersion != ManifestFormatVersion:
		return fmt.Errorf("%w: unsupported format version %d", ErrInvalidManifest, m.FormatVersion)
	case m.Version == "":
		return fmt.Errorf("%w: missing version", ErrInvalidManifest)
	case m.Dimension <= 0:
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidManifest, m.Dimension)
	case m.Items <= 0:
		return fmt.Errorf("%w: items must be positive, got %d", ErrInvalidManifest, m.Items)
	case m.Metric == "":
		return fmt.Errorf("%w: missing metric", ErrInvalidManifest)
	case !localName(m.IndexFile):
		return fmt.Errorf("%w: bad index file %q", ErrInvalidManifest, m.IndexFile)
	case !localName(m.MetadataFile):
		return fmt.Errorf("%w: bad metadata file %q", ErrInvalidManifest, m.MetadataFile)
	}
	switch m.MetadataFormat {
	case FormatJSON, FormatSQLite:
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidManifest, ErrUnknownFormat, m.MetadataFormat)
	}
	return nil
}

func localName(name string) bool {
	return name != "" && name == filepath.Base(name) && name != "." && name != ".."
}

// Files returns the artifact file names the manifest references.
func (m *Manifest) Files() []string {
	return []string{m.IndexFile, m.MetadataFile}
}

// WriteManifest writes m into dir atomically (temporary file, then rename).
func WriteManifest(dir string, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, ManifestFile))
}

// ReadManifest reads and validates the manifest in dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrManifestNotFound, dir)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest JSON.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// FileSHA256 returns the hex-encoded SHA-256 of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum compares the SHA-256 of path with want.
func VerifyChecksum(path, want string) error {
	got, err := FileSHA256(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, filepath.Base(path))
	}
	return nil
}

// VerifyArtifacts checks both artifacts referenced by m against their checksums.
func VerifyArtifacts(dir string, m *Manifest) error {
	if err := VerifyChecksum(filepath.Join(dir, m.IndexFile), m.IndexSHA256); err != nil {
		return err
	}
	return VerifyChecksum(filepath.Join(dir, m.MetadataFile), m.MetadataSHA256)
}

// Prune removes versioned index and metadata files in dir that keep does not
// reference, including SQLite side files of stale databases. It returns the
// removed file names.
func Prune(dir string, keep *Manifest) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasPrefix(name, "index-") || strings.HasPrefix(name, "metadata-")) {
			continue
		}
		if referenced(name, keep) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}

func referenced(name string, m *Manifest) bool {
	if m == nil {
		return false
	}
	for _, f := range m.Files() {
		// metadata-<v>.db-wal and -shm belong to metadata-<v>.db
		if name == f || strings.HasPrefix(name, f+"-") {
			return true
		}
	}
	return false
}
