package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrAlreadyExists indicates a unique row is already present.
	ErrAlreadyExists = errors.New("storage: record already exists")
	// ErrInvalidPath indicates a tree path with empty or reserved segments.
	ErrInvalidPath = errors.New("storage: invalid path")
	// ErrInvalidValue indicates a tree value that is not a JSON document.
	ErrInvalidValue = errors.New("storage: invalid value")
)

const (
	mediaKindPhoto = "photo"
	mediaKindVideo = "video"
	mediaKindAudio = "audio"
)

// Credential is the locally held secret hash for one account.
type Credential struct {
	Identifier string
	SecretHash string
	CreatedAt  int64
	UpdatedAt  int64
}

// MediaObject is the SQLite representation of one stored media blob.
type MediaObject struct {
	MediaRef   string
	Kind       string
	MimeType   string
	SizeBytes  int64
	SHA256     string
	StoredPath string
	UploadedBy string
	CreatedAt  int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateMediaKind(kind string) error {
	switch kind {
	case mediaKindPhoto, mediaKindVideo, mediaKindAudio:
		return nil
	default:
		return fmt.Errorf("invalid media kind %q", kind)
	}
}

// isUniqueViolation reports whether err is a SQLite primary key or unique
// constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
