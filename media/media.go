// Package media stores uploaded photo, video and audio blobs and hands out
// opaque references for messages to carry.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"pairchat/metrics"
	"pairchat/models"
	"pairchat/replica"
	"pairchat/storage"
)

const (
	// DefaultMaxBytes caps a single upload.
	DefaultMaxBytes = 4 * 1024 * 1024
	// MinAudioBytes rejects recordings too short to hold any sound.
	MinAudioBytes = 100
	// RefPrefix starts every media reference.
	RefPrefix = "media_"
)

var (
	// ErrEmpty is returned for a zero-length blob.
	ErrEmpty = errors.New("media: blob is empty")
	// ErrTooLarge is returned when a blob exceeds the size cap.
	ErrTooLarge = errors.New("media: blob exceeds size limit")
	// ErrRecordingTooShort is returned for audio below MinAudioBytes.
	ErrRecordingTooShort = errors.New("media: recording too short")
	// ErrUnsupportedType is returned when content does not match the kind.
	ErrUnsupportedType = errors.New("media: content does not match message type")
	// ErrPermissionDenied is returned by a Recorder when device access is refused.
	ErrPermissionDenied = errors.New("media: capture permission denied")
	// ErrNotFound is returned for an unknown reference.
	ErrNotFound = errors.New("media: reference not found")
)

// Repository persists media metadata.
type Repository interface {
	SaveMediaObject(obj storage.MediaObject) error
	GetMediaObject(mediaRef string) (*storage.MediaObject, error)
	FindMediaByHash(sha256Hex, kind string) (*storage.MediaObject, error)
}

// Recorder captures a blob from a camera or microphone. Implementations
// return ErrPermissionDenied when the user refuses device access.
type Recorder interface {
	Record(ctx context.Context, kind models.MessageKind) ([]byte, error)
}

// Options configures a Service.
type Options struct {
	Repository Repository
	Dir        string
	MaxBytes   int64
	Logger     zerolog.Logger
}

// Service validates and stores media blobs.
type Service struct {
	options Options
	keys    *replica.KeyGenerator
	log     zerolog.Logger
}

// NewService validates options and creates the media directory.
func NewService(options Options) (*Service, error) {
	if options.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if options.Dir == "" {
		return nil, errors.New("media dir is required")
	}
	if options.MaxBytes <= 0 {
		options.MaxBytes = DefaultMaxBytes
	}
	if options.MaxBytes > DefaultMaxBytes {
		return nil, fmt.Errorf("max bytes %d exceeds the %d byte limit", options.MaxBytes, DefaultMaxBytes)
	}
	if err := os.MkdirAll(options.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}

	return &Service{
		options: options,
		keys:    replica.NewKeyGenerator(),
		log:     options.Logger.With().Str("component", "media").Logger(),
	}, nil
}

// Ingest validates blob for kind, stores it and returns its reference.
// Identical content of the same kind is stored once and shares a reference.
func (s *Service) Ingest(ctx context.Context, kind models.MessageKind, blob []byte, uploader string) (string, error) {
	ref, size, err := s.ingest(ctx, kind, blob, uploader)
	status := "success"
	switch {
	case err != nil:
		status = "rejected"
	case size == 0:
		status = "deduplicated"
	}
	metrics.RecordMedia(string(kind), status, size)
	return ref, err
}

func (s *Service) ingest(ctx context.Context, kind models.MessageKind, blob []byte, uploader string) (string, int64, error) {
	if !kind.RequiresMedia() {
		return "", 0, fmt.Errorf("%w: %q carries no media", ErrUnsupportedType, kind)
	}
	size := int64(len(blob))
	switch {
	case size == 0:
		return "", 0, ErrEmpty
	case size > s.options.MaxBytes:
		return "", 0, fmt.Errorf("%w: %d bytes, max %d", ErrTooLarge, size, s.options.MaxBytes)
	case kind == models.KindAudio && size < MinAudioBytes:
		return "", 0, ErrRecordingTooShort
	}

	detected := mimetype.Detect(blob)
	mimeType := baseMIME(detected.String())
	if !matchesKind(kind, mimeType) {
		return "", 0, fmt.Errorf("%w: %s for %s", ErrUnsupportedType, mimeType, kind)
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	sum := sha256.Sum256(blob)
	hash := hex.EncodeToString(sum[:])

	existing, err := s.options.Repository.FindMediaByHash(hash, string(kind))
	switch {
	case err == nil:
		s.log.Debug().Str("ref", existing.MediaRef).Msg("deduplicated upload")
		return existing.MediaRef, 0, nil
	case !errors.Is(err, storage.ErrNotFound):
		return "", 0, fmt.Errorf("look up media hash: %w", err)
	}

	id, err := s.keys.Next()
	if err != nil {
		return "", 0, err
	}
	ref := RefPrefix + strings.ToLower(id)
	storedPath := filepath.Join(s.options.Dir, ref+detected.Extension())

	if err := writeFileAtomic(storedPath, blob); err != nil {
		return "", 0, err
	}

	if err := s.options.Repository.SaveMediaObject(storage.MediaObject{
		MediaRef:   ref,
		Kind:       string(kind),
		MimeType:   mimeType,
		SizeBytes:  size,
		SHA256:     hash,
		StoredPath: storedPath,
		UploadedBy: uploader,
	}); err != nil {
		_ = os.Remove(storedPath)
		return "", 0, fmt.Errorf("save media metadata: %w", err)
	}

	s.log.Info().
		Str("ref", ref).
		Str("kind", string(kind)).
		Str("mime", mimeType).
		Int64("bytes", size).
		Msg("media stored")
	return ref, size, nil
}

// Capture records a blob with rec and ingests it.
func (s *Service) Capture(ctx context.Context, rec Recorder, kind models.MessageKind, uploader string) (string, error) {
	blob, err := rec.Record(ctx, kind)
	if err != nil {
		return "", fmt.Errorf("capture %s: %w", kind, err)
	}
	return s.Ingest(ctx, kind, blob, uploader)
}

// Open returns the stored content and metadata for ref.
func (s *Service) Open(ctx context.Context, ref string) (io.ReadCloser, *storage.MediaObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	obj, err := s.options.Repository.GetMediaObject(ref)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, ref)
		}
		return nil, nil, err
	}
	file, err := os.Open(obj.StoredPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open media %q: %w", ref, err)
	}
	return file, obj, nil
}

func baseMIME(raw string) string {
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw)
}

// matchesKind accepts the MIME family of each kind. Browser audio
// recordings are commonly WebM containers, which sniff as video/webm.
func matchesKind(kind models.MessageKind, mimeType string) bool {
	switch kind {
	case models.KindPhoto:
		return strings.HasPrefix(mimeType, "image/")
	case models.KindVideo:
		return strings.HasPrefix(mimeType, "video/")
	case models.KindAudio:
		return strings.HasPrefix(mimeType, "audio/") || mimeType == "video/webm"
	default:
		return false
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp media file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write media file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close media file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("move media file: %w", err)
	}
	return nil
}
