// ABOUTME: Content-addressable attachment store: blobs on disk keyed by hash
// ABOUTME: Staged writes, dedup with ref counting, tolerant of torn state

package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HashFile streams a file through SHA-256 and returns the hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// kindFromMIME buckets a MIME type into the coarse file kinds the schema
// constrains to.
func kindFromMIME(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "text/"),
		strings.HasPrefix(mime, "application/pdf"),
		strings.Contains(mime, "document"):
		return "doc"
	}
	return "other"
}

// PutFile stores srcPath under its content hash and records metadata. The
// hash is caller-supplied and trusted; blobs are staged in a scratch
// directory and renamed into place so the CAS never holds a partial file
// under a final name. Re-putting an existing hash bumps the ref count.
func (s *Store) PutFile(ctx context.Context, sha256hex, mime, originalName, srcPath string) (*FileMeta, error) {
	digest, err := decodeDigest(sha256hex)
	if err != nil {
		return nil, err
	}

	existing, err := s.fileByDigest(ctx, digest)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		// Dedup hit. The blob usually exists already, but a torn state
		// (row without blob) heals here: the caller is handing us the
		// same bytes, so write them back.
		blob := filepath.Join(s.dataDir, casDirName, sha256hex)
		if _, statErr := os.Stat(blob); os.IsNotExist(statErr) {
			if _, err := s.storeBlob(sha256hex, srcPath); err != nil {
				return nil, err
			}
			s.logger.Warn("restored missing blob", "sha256", sha256hex)
		} else if statErr != nil {
			return nil, fmt.Errorf("checking blob: %w", statErr)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE files SET ref_count = ref_count + 1 WHERE id = ?`, existing.ID); err != nil {
			return nil, fmt.Errorf("bumping ref count: %w", err)
		}
		existing.RefCount++
		s.logger.Debug("deduplicated blob", "sha256", sha256hex, "ref_count", existing.RefCount)
		return existing, nil
	}

	size, err := s.storeBlob(sha256hex, srcPath)
	if err != nil {
		return nil, err
	}

	meta := &FileMeta{
		Kind:         kindFromMIME(mime),
		MIME:         mime,
		SHA256:       sha256hex,
		Size:         size,
		OriginalName: originalName,
		RefCount:     1,
		CreatedAt:    time.Now(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO files (kind, mime, sha256, size_bytes, original_name, ref_count, created)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		meta.Kind, mime, digest, size, originalName, meta.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("recording file metadata: %w", err)
	}
	meta.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading file id: %w", err)
	}
	s.logger.Info("stored blob", "sha256", sha256hex, "size", size, "kind", meta.Kind)
	return meta, nil
}

// storeBlob copies srcPath into the CAS via the staging directory and
// returns the byte count. The rename is atomic on the same filesystem.
func (s *Store) storeBlob(sha256hex, srcPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Join(s.dataDir, casTmpDirName), "put-*")
	if err != nil {
		return 0, fmt.Errorf("staging blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	size, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("copying blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("flushing blob: %w", err)
	}

	final := filepath.Join(s.dataDir, casDirName, sha256hex)
	if err := os.Rename(tmpName, final); err != nil {
		return 0, fmt.Errorf("placing blob: %w", err)
	}
	return size, nil
}

// FilePath returns the on-disk path for a stored file id. Metadata without a
// blob on disk reports ErrBlobMissing so the caller can re-request the
// upload instead of crashing.
func (s *Store) FilePath(ctx context.Context, fileID int64) (string, error) {
	meta, err := s.fileByID(ctx, fileID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dataDir, casDirName, meta.SHA256)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", fmt.Errorf("%s: %w", meta.SHA256, ErrBlobMissing)
	} else if err != nil {
		return "", fmt.Errorf("checking blob: %w", err)
	}
	return path, nil
}

// GetFile returns the metadata row for a stored hash.
func (s *Store) GetFile(ctx context.Context, sha256hex string) (*FileMeta, error) {
	digest, err := decodeDigest(sha256hex)
	if err != nil {
		return nil, err
	}
	return s.fileByDigest(ctx, digest)
}

// ReleaseFile drops one reference from a file id. At zero the row and blob
// are removed; blob deletion is best-effort since the metadata row is
// already gone.
func (s *Store) ReleaseFile(ctx context.Context, fileID int64) error {
	meta, err := s.fileByID(ctx, fileID)
	if err != nil {
		return err
	}
	if meta.RefCount > 1 {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE files SET ref_count = ref_count - 1 WHERE id = ?`, meta.ID); err != nil {
			return fmt.Errorf("dropping ref count: %w", err)
		}
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, meta.ID); err != nil {
		return fmt.Errorf("deleting file metadata: %w", err)
	}
	blob := filepath.Join(s.dataDir, casDirName, meta.SHA256)
	if err := os.Remove(blob); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("could not remove blob", "sha256", meta.SHA256, "error", err)
	}
	s.logger.Debug("released blob", "sha256", meta.SHA256)
	return nil
}

func (s *Store) fileByDigest(ctx context.Context, digest []byte) (*FileMeta, error) {
	return s.scanFileRow(s.db.QueryRowContext(ctx, fileSelect+` WHERE sha256 = ?`, digest))
}

func (s *Store) fileByID(ctx context.Context, fileID int64) (*FileMeta, error) {
	return s.scanFileRow(s.db.QueryRowContext(ctx, fileSelect+` WHERE id = ?`, fileID))
}

const fileSelect = `
	SELECT id, kind, mime, sha256, size_bytes, thumb_sha256, original_name, ref_count, created
	FROM files`

func (s *Store) scanFileRow(row *sql.Row) (*FileMeta, error) {
	m := &FileMeta{}
	var (
		kind     sql.NullString
		mime     sql.NullString
		digest   []byte
		size     sql.NullInt64
		thumb    []byte
		origName sql.NullString
		created  sql.NullInt64
	)
	err := row.Scan(&m.ID, &kind, &mime, &digest, &size, &thumb, &origName, &m.RefCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up file: %w", err)
	}
	m.Kind = kind.String
	m.MIME = mime.String
	m.SHA256 = hex.EncodeToString(digest)
	m.Size = size.Int64
	m.ThumbSHA256 = hex.EncodeToString(thumb)
	m.OriginalName = origName.String
	if created.Valid {
		m.CreatedAt = time.Unix(created.Int64, 0)
	}
	return m, nil
}

func decodeDigest(sha256hex string) ([]byte, error) {
	digest, err := hex.DecodeString(sha256hex)
	if err != nil || len(digest) != sha256.Size {
		return nil, fmt.Errorf("invalid sha256 digest %q", sha256hex)
	}
	return digest, nil
}
