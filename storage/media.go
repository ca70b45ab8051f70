package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveMediaObject inserts a new media metadata row.
func (s *Store) SaveMediaObject(obj MediaObject) error {
	if obj.MediaRef == "" {
		return errors.New("media_ref is required")
	}
	if err := validateMediaKind(obj.Kind); err != nil {
		return err
	}
	if obj.MimeType == "" {
		return errors.New("mime_type is required")
	}
	if obj.SHA256 == "" {
		return errors.New("sha256 is required")
	}
	if obj.StoredPath == "" {
		return errors.New("stored_path is required")
	}
	if obj.CreatedAt == 0 {
		obj.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO media_objects (
			media_ref,
			kind,
			mime_type,
			size_bytes,
			sha256,
			stored_path,
			uploaded_by,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.MediaRef,
		obj.Kind,
		obj.MimeType,
		obj.SizeBytes,
		obj.SHA256,
		obj.StoredPath,
		obj.UploadedBy,
		obj.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert media object %q: %w", obj.MediaRef, err)
	}

	return nil
}

// GetMediaObject fetches media metadata by reference.
func (s *Store) GetMediaObject(mediaRef string) (*MediaObject, error) {
	row := s.db.QueryRow(
		`SELECT `+mediaColumns+`
		FROM media_objects
		WHERE media_ref = ?`,
		mediaRef,
	)

	obj, err := scanMediaObject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get media object %q: %w", mediaRef, err)
	}
	return obj, nil
}

// FindMediaByHash returns the oldest media row with the same content hash
// and kind, used to deduplicate repeated uploads.
func (s *Store) FindMediaByHash(sha256Hex, kind string) (*MediaObject, error) {
	row := s.db.QueryRow(
		`SELECT `+mediaColumns+`
		FROM media_objects
		WHERE sha256 = ? AND kind = ?
		ORDER BY created_at ASC, media_ref ASC
		LIMIT 1`,
		sha256Hex,
		kind,
	)

	obj, err := scanMediaObject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find media by hash: %w", err)
	}
	return obj, nil
}

const mediaColumns = `media_ref,
			kind,
			mime_type,
			size_bytes,
			sha256,
			stored_path,
			uploaded_by,
			created_at`

func scanMediaObject(s scanner) (*MediaObject, error) {
	var obj MediaObject
	if err := s.Scan(
		&obj.MediaRef,
		&obj.Kind,
		&obj.MimeType,
		&obj.SizeBytes,
		&obj.SHA256,
		&obj.StoredPath,
		&obj.UploadedBy,
		&obj.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &obj, nil
}
