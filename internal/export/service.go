// Package export builds portable data archives. Field devices often
// hand data to another device physically (SD card, cable) when no
// network path exists, so the archive format is plain tar.gz with a
// checksummed manifest rather than anything device-specific.
package export

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relieflabs/fieldsync/internal/db"
	apperrors "github.com/relieflabs/fieldsync/internal/errors"
	"github.com/relieflabs/fieldsync/internal/logging"
	"github.com/relieflabs/fieldsync/internal/models"
)

const manifestVersion = "1.0"

// Service exports and imports snapshot archives.
type Service struct {
	store *db.Store
}

// NewService creates a new export Service.
func NewService(store *db.Store) *Service {
	return &Service{store: store}
}

// Manifest describes an archive's contents. Each file entry carries a
// SHA-256 checksum so a partially copied archive is detected before
// import touches the database.
type Manifest struct {
	Version        string            `json:"version"`
	ExportedAt     time.Time         `json:"exported_at"`
	EntityCount    int               `json:"entity_count"`
	OperationCount int               `json:"operation_count"`
	ConflictCount  int               `json:"conflict_count"`
	Checksums      map[string]string `json:"checksums"`
}

// Result summarizes a completed export.
type Result struct {
	FilePath       string        `json:"file_path"`
	SizeBytes      int64         `json:"size_bytes"`
	EntityCount    int           `json:"entity_count"`
	OperationCount int           `json:"operation_count"`
	Duration       time.Duration `json:"duration"`
}

// ImportResult summarizes a completed import.
type ImportResult struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Export writes a snapshot archive into outputDir and returns its
// metadata. The archive holds the cached entities, the pending queue
// and the conflict log as JSON, plus a manifest.
func (s *Service) Export(outputDir string) (*Result, error) {
	start := time.Now()

	tempDir, err := os.MkdirTemp("", "fieldsync-export-*")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to create temp directory", err)
	}
	defer os.RemoveAll(tempDir)

	manifest := Manifest{
		Version:    manifestVersion,
		ExportedAt: start,
		Checksums:  make(map[string]string),
	}

	entities, err := s.allEntities()
	if err != nil {
		return nil, err
	}
	manifest.EntityCount = len(entities)

	ops, err := s.store.ListPendingOperations()
	if err != nil {
		return nil, err
	}
	dead, err := s.store.ListDeadLettered()
	if err != nil {
		return nil, err
	}
	ops = append(ops, dead...)
	manifest.OperationCount = len(ops)

	conflicts, err := s.store.ListConflictLog()
	if err != nil {
		return nil, err
	}
	manifest.ConflictCount = len(conflicts)

	sections := map[string]interface{}{
		"entities.json":  entities,
		"queue.json":     ops,
		"conflicts.json": conflicts,
	}
	for name, payload := range sections {
		sum, err := writeJSONFile(filepath.Join(tempDir, name), payload)
		if err != nil {
			return nil, err
		}
		manifest.Checksums[name] = sum
	}

	if _, err := writeJSONFile(filepath.Join(tempDir, "manifest.json"), &manifest); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to create output directory", err)
	}
	archivePath := filepath.Join(outputDir,
		fmt.Sprintf("fieldsync_%s.tar.gz", start.UTC().Format("20060102_150405")))

	size, err := writeTarGz(tempDir, archivePath)
	if err != nil {
		return nil, err
	}

	logging.Info("Export archive written", map[string]interface{}{
		"path":       archivePath,
		"entities":   manifest.EntityCount,
		"operations": manifest.OperationCount,
		"bytes":      size,
	})

	return &Result{
		FilePath:       archivePath,
		SizeBytes:      size,
		EntityCount:    manifest.EntityCount,
		OperationCount: manifest.OperationCount,
		Duration:       time.Since(start),
	}, nil
}

// Import merges cached entities from an archive into the local store.
// Existing projections win, imported rows never overwrite them.
// Queued operations are deliberately not imported: they belong to the
// exporting device's retry lifecycle and replaying them from another
// device could double-apply mutations.
func (s *Service) Import(archivePath string) (*ImportResult, error) {
	start := time.Now()

	tempDir, err := os.MkdirTemp("", "fieldsync-import-*")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to create temp directory", err)
	}
	defer os.RemoveAll(tempDir)

	if err := extractTarGz(archivePath, tempDir); err != nil {
		return nil, err
	}

	manifest, err := readManifest(filepath.Join(tempDir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	if manifest.Version != manifestVersion {
		return nil, apperrors.New(apperrors.ErrInvalid,
			"unsupported archive version "+manifest.Version)
	}

	entitiesPath := filepath.Join(tempDir, "entities.json")
	if err := verifyChecksum(entitiesPath, manifest.Checksums["entities.json"]); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(entitiesPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to read entities file", err)
	}
	var entities []*models.Entity
	if err := json.Unmarshal(raw, &entities); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "corrupt entities file", err)
	}

	imported, skipped := 0, 0
	for _, e := range entities {
		if _, err := s.store.GetEntity(e.Kind, e.ID); err == nil {
			skipped++
			continue
		} else if !apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		if err := s.store.PutEntity(e); err != nil {
			return nil, err
		}
		imported++
	}

	logging.Info("Import merged", map[string]interface{}{
		"path":     archivePath,
		"imported": imported,
		"skipped":  skipped,
	})

	return &ImportResult{Imported: imported, Skipped: skipped, Duration: time.Since(start)}, nil
}

func (s *Service) allEntities() ([]*models.Entity, error) {
	kinds, err := s.store.ListEntityKinds()
	if err != nil {
		return nil, err
	}
	var all []*models.Entity
	for _, kind := range kinds {
		entities, err := s.store.ListEntities(kind)
		if err != nil {
			return nil, err
		}
		all = append(all, entities...)
	}
	return all, nil
}

// writeJSONFile marshals v to path and returns the content checksum.
func writeJSONFile(path string, v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to encode "+filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to write "+filepath.Base(path), err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "archive has no manifest", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "corrupt manifest", err)
	}
	return &m, nil
}

// verifyChecksum compares a file's SHA-256 against the expected hex
// digest from the manifest.
func verifyChecksum(path, expected string) error {
	if expected == "" {
		return apperrors.New(apperrors.ErrInvalid, "manifest missing checksum for "+filepath.Base(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to open "+filepath.Base(path), err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to hash "+filepath.Base(path), err)
	}
	actual := fmt.Sprintf("%x", h.Sum(nil))
	if actual != expected {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("checksum mismatch for %s: got %s, want %s", filepath.Base(path), actual, expected))
	}
	return nil
}

// writeTarGz archives every file under sourceDir into targetPath and
// returns the archive size. Writes go to a temp file first so a crash
// never leaves a truncated archive at the final path.
func writeTarGz(sourceDir, targetPath string) (int64, error) {
	tempPath := targetPath + ".tmp"
	out, err := os.Create(tempPath)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to create archive", err)
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)

	err = filepath.Walk(sourceDir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(sourceDir, file)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to build archive", err)
	}

	if err := tw.Close(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to finish archive", err)
	}
	if err := gzw.Close(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to finish compression", err)
	}
	if err := out.Close(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to close archive", err)
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to stat archive", err)
	}
	if err := os.Rename(tempPath, targetPath); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to finalize archive", err)
	}
	return info.Size(), nil
}

// extractTarGz unpacks an archive into targetDir. Entry names must be
// plain relative paths, anything traversing out of targetDir is
// rejected.
func extractTarGz(archivePath, targetDir string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to open archive", err)
	}
	defer in.Close()

	gzr, err := gzip.NewReader(in)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "archive is not gzip", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "corrupt archive", err)
		}

		name := filepath.Clean(header.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return apperrors.New(apperrors.ErrInvalid, "archive entry escapes target: "+header.Name)
		}
		targetPath := filepath.Join(targetDir, name)

		if header.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return apperrors.Wrap(apperrors.ErrInternal, "failed to create directory", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to create directory", err)
		}
		out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to create file", err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return apperrors.Wrap(apperrors.ErrInternal, "failed to extract file", err)
		}
		out.Close()
	}
	return nil
}
