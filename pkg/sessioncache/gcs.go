package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Custom metadata keys on session objects. The expiry timestamp is
// authoritative for reads; the object's CustomTime mirrors it so the bucket
// lifecycle rule can collect expired sessions without touching live ones.
const (
	gcsTTLKey     = "ttl-seconds"
	gcsExpiresKey = "expires-at"
)

// GCSStoreConfig holds configuration for the GCS-backed store.
type GCSStoreConfig struct {
	BucketName string
	// ObjectPrefix namespaces session objects within the bucket.
	// Defaults to "sessions".
	ObjectPrefix string
	// ProjectID is required only when CreateBucket is set.
	ProjectID string
	// CreateBucket provisions the bucket at construction, with a lifecycle
	// rule that deletes objects the day after their expiry deadline passes.
	CreateBucket  bool
	ClientOptions []option.ClientOption
}

// GCSStore implements SessionStore on a GCS bucket, one object per session.
// Object generations serve as versions, so conditional replaces ride on GCS's
// own generation-match preconditions. Expired sessions are filtered on read;
// the bucket lifecycle rule only collects them eventually.
type GCSStore struct {
	client       *storage.Client
	bucket       *storage.BucketHandle
	objectPrefix string
	logger       zerolog.Logger
}

// NewGCSStore connects to GCS and returns a store over the configured bucket.
func NewGCSStore(ctx context.Context, cfg *GCSStoreConfig, logger zerolog.Logger) (*GCSStore, error) {
	if cfg == nil {
		return nil, errors.New("gcs store config cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}

	client, err := storage.NewClient(ctx, cfg.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}

	objectPrefix := cfg.ObjectPrefix
	if objectPrefix == "" {
		objectPrefix = "sessions"
	}
	storeLogger := logger.With().Str("component", "GCSStore").Logger()
	store := &GCSStore{
		client:       client,
		bucket:       client.Bucket(cfg.BucketName),
		objectPrefix: objectPrefix,
		logger:       storeLogger,
	}

	if cfg.CreateBucket {
		if err := store.ensureBucket(ctx, cfg.ProjectID); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	storeLogger.Info().Str("bucket", cfg.BucketName).Str("prefix", objectPrefix).Msg("GCSStore initialized.")
	return store, nil
}

// Read fetches the session object under key, pinning the generation reported
// by the metadata lookup so the content always matches the returned version.
// If a concurrent replace collects that generation mid-read, the lookup is
// simply repeated.
func (s *GCSStore) Read(ctx context.Context, key string) (*Session, Version, error) {
	obj := s.bucket.Object(s.objectName(key))
	for {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		attrs, err := obj.Attrs(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, "", ErrNotFound
		}
		if err != nil {
			return nil, "", fmt.Errorf("gcs attrs for %s: %w", key, err)
		}

		expired, ttl, err := parseGCSExpiry(attrs.Metadata)
		if err != nil {
			return nil, "", fmt.Errorf("session %s: %w", key, err)
		}
		if expired {
			// Remove only the generation we observed and leave any error to
			// the lifecycle rule.
			_ = obj.If(storage.Conditions{GenerationMatch: attrs.Generation}).Delete(ctx)
			s.logger.Debug().Str("key", key).Msg("Expired session filtered on read.")
			return nil, "", ErrNotFound
		}

		reader, err := obj.Generation(attrs.Generation).NewReader(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("gcs read for %s: %w", key, err)
		}
		content, err := io.ReadAll(reader)
		_ = reader.Close()
		if err != nil {
			return nil, "", fmt.Errorf("gcs read for %s: %w", key, err)
		}

		session := &Session{Key: key, Content: content, TTLSeconds: ttl}
		return session, Version(strconv.FormatInt(attrs.Generation, 10)), nil
	}
}

// Write replaces the session object if its generation still matches the
// expected version. GCS reports a replaced and a deleted object identically
// here, so a session that vanished surfaces as ErrConflict and is resolved by
// the caller's re-read.
func (s *GCSStore) Write(ctx context.Context, session *Session, expected Version) error {
	generation, err := strconv.ParseInt(string(expected), 10, 64)
	if err != nil {
		return fmt.Errorf("version %q was not produced by this store: %w", expected, ErrInvalidArgument)
	}

	obj := s.bucket.Object(s.objectName(session.Key)).If(storage.Conditions{GenerationMatch: generation})
	if err := s.upload(ctx, obj, session); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return ErrConflict
		}
		return fmt.Errorf("gcs conditional replace for %s: %w", session.Key, err)
	}
	return nil
}

// Upsert writes the session object unconditionally.
func (s *GCSStore) Upsert(ctx context.Context, session *Session) error {
	obj := s.bucket.Object(s.objectName(session.Key))
	if err := s.upload(ctx, obj, session); err != nil {
		return fmt.Errorf("gcs upsert for %s: %w", session.Key, err)
	}
	return nil
}

// Delete removes the session object. Deleting an absent object succeeds.
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Object(s.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete for %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// upload writes the session as the object's full content, stamping the TTL
// metadata and CustomTime so expiry survives in the object itself.
func (s *GCSStore) upload(ctx context.Context, obj *storage.ObjectHandle, session *Session) error {
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	if session.TTLSeconds != nil {
		expiresAt := time.Now().Add(time.Duration(*session.TTLSeconds) * time.Second)
		writer.Metadata = map[string]string{
			gcsTTLKey:     strconv.FormatInt(*session.TTLSeconds, 10),
			gcsExpiresKey: expiresAt.Format(time.RFC3339Nano),
		}
		writer.CustomTime = expiresAt
	}

	if _, err := writer.Write(session.Content); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// objectName maps a session key to its object path. Keys are escaped so they
// can never climb out of the configured prefix.
func (s *GCSStore) objectName(key string) string {
	return path.Join(s.objectPrefix, url.PathEscape(key))
}

// parseGCSExpiry reads the TTL metadata stamped by upload. Objects without it
// never expire.
func parseGCSExpiry(metadata map[string]string) (expired bool, ttl *int64, err error) {
	raw, ok := metadata[gcsTTLKey]
	if !ok {
		return false, nil, nil
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, nil, fmt.Errorf("malformed %s metadata %q: %w", gcsTTLKey, raw, err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, metadata[gcsExpiresKey])
	if err != nil {
		return false, nil, fmt.Errorf("malformed %s metadata %q: %w", gcsExpiresKey, metadata[gcsExpiresKey], err)
	}
	return !expiresAt.After(time.Now()), &seconds, nil
}

// ensureBucket creates the session bucket if it does not exist, with a
// lifecycle rule that deletes objects a day after their CustomTime, which
// upload sets to the expiry deadline. Sessions without a TTL carry no
// CustomTime and are never collected.
func (s *GCSStore) ensureBucket(ctx context.Context, projectID string) error {
	if projectID == "" {
		return errors.New("GCS project ID is required to create the bucket")
	}

	attrs := &storage.BucketAttrs{
		Lifecycle: storage.Lifecycle{
			Rules: []storage.LifecycleRule{
				{
					Action:    storage.LifecycleAction{Type: storage.DeleteAction},
					Condition: storage.LifecycleCondition{DaysSinceCustomTime: 1},
				},
			},
		},
	}
	err := s.bucket.Create(ctx, projectID, attrs)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
			s.logger.Debug().Msg("Session bucket already exists.")
			return nil
		}
		return fmt.Errorf("creating session bucket: %w", err)
	}
	s.logger.Info().Msg("Session bucket created.")
	return nil
}
