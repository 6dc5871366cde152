package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	firestoreadmin "cloud.google.com/go/firestore/apiv1/admin"
	"cloud.google.com/go/firestore/apiv1/admin/adminpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
)

// firestoreExpiryField is the document field carrying the wall-clock expiry
// timestamp. The collection's TTL policy watches this field, and reads filter
// on it because Firestore's garbage collection can lag the deadline by hours.
const firestoreExpiryField = "expiresAt"

// FirestoreStoreConfig holds configuration for the Firestore-backed store.
type FirestoreStoreConfig struct {
	ProjectID      string
	DatabaseID     string
	CollectionName string
	// CreateTTLPolicy provisions a TTL policy on the expiry field at
	// construction, so expired documents are eventually deleted server-side.
	// It requires datastore.owner-level permissions and is off by default.
	CreateTTLPolicy bool
	ClientOptions   []option.ClientOption
}

// firestoreSession is the document representation of a Session. The key is
// the document ID and is not repeated in the body.
type firestoreSession struct {
	Content    []byte     `firestore:"content"`
	TTLSeconds *int64     `firestore:"ttlSeconds"`
	ExpiresAt  *time.Time `firestore:"expiresAt"`
}

// FirestoreStore implements SessionStore on a Firestore collection, one
// document per session. Document update times serve as versions, and
// conditional replaces use last-update-time preconditions.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreStore connects to Firestore and returns a store over the
// configured collection. An empty DatabaseID selects the default database.
func NewFirestoreStore(ctx context.Context, cfg *FirestoreStoreConfig, logger zerolog.Logger) (*FirestoreStore, error) {
	if cfg == nil {
		return nil, errors.New("firestore store config cannot be nil")
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore project ID cannot be empty")
	}
	if cfg.CollectionName == "" {
		return nil, errors.New("firestore collection name cannot be empty")
	}

	databaseID := cfg.DatabaseID
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, cfg.ProjectID, databaseID, cfg.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	storeLogger := logger.With().Str("component", "FirestoreStore").Logger()
	if cfg.CreateTTLPolicy {
		if err := ensureFirestoreTTLPolicy(ctx, cfg, databaseID, storeLogger); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	storeLogger.Info().
		Str("project_id", cfg.ProjectID).
		Str("database_id", databaseID).
		Str("collection", cfg.CollectionName).
		Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client:     client,
		collection: cfg.CollectionName,
		logger:     storeLogger,
	}, nil
}

// Read fetches the session document under key. A document past its expiry
// deadline is reported as not found and removed opportunistically, because
// Firestore's TTL deletion only guarantees eventual collection.
func (s *FirestoreStore) Read(ctx context.Context, key string) (*Session, Version, error) {
	docRef := s.client.Collection(s.collection).Doc(key)
	docSnap, err := docRef.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("firestore get for %s: %w", key, err)
	}

	var doc firestoreSession
	if err := docSnap.DataTo(&doc); err != nil {
		return nil, "", fmt.Errorf("firestore DataTo for %s: %w", key, err)
	}

	if doc.ExpiresAt != nil && !doc.ExpiresAt.After(time.Now()) {
		// Delete only the exact revision we observed; a concurrent rewrite
		// must survive. Failures are left to the TTL policy to mop up.
		_, _ = docRef.Delete(ctx, firestore.LastUpdateTime(docSnap.UpdateTime))
		s.logger.Debug().Str("key", key).Msg("Expired session filtered on read.")
		return nil, "", ErrNotFound
	}

	session := &Session{
		Key:        key,
		Content:    doc.Content,
		TTLSeconds: doc.TTLSeconds,
	}
	return session, firestoreVersion(docSnap.UpdateTime), nil
}

// Write replaces the document under session.Key if its last update time still
// matches the expected version. The expiry deadline is recomputed from the
// session's TTL, restarting the countdown from now.
func (s *FirestoreStore) Write(ctx context.Context, session *Session, expected Version) error {
	updateTime, err := parseFirestoreVersion(expected)
	if err != nil {
		return err
	}

	var ttlValue any
	var expiresValue any
	if session.TTLSeconds != nil {
		ttlValue = *session.TTLSeconds
		expiresValue = time.Now().Add(time.Duration(*session.TTLSeconds) * time.Second)
	}

	updates := []firestore.Update{
		{Path: "content", Value: session.Content},
		{Path: "ttlSeconds", Value: ttlValue},
		{Path: firestoreExpiryField, Value: expiresValue},
	}
	_, err = s.client.Collection(s.collection).Doc(session.Key).
		Update(ctx, updates, firestore.LastUpdateTime(updateTime))
	if err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			return ErrNotFound
		case codes.FailedPrecondition:
			return ErrConflict
		}
		return fmt.Errorf("firestore update for %s: %w", session.Key, err)
	}
	return nil
}

// Upsert writes the session document unconditionally, replacing any existing
// content and restarting the TTL countdown.
func (s *FirestoreStore) Upsert(ctx context.Context, session *Session) error {
	doc := firestoreSession{
		Content:    session.Content,
		TTLSeconds: session.TTLSeconds,
	}
	if session.TTLSeconds != nil {
		expiresAt := time.Now().Add(time.Duration(*session.TTLSeconds) * time.Second)
		doc.ExpiresAt = &expiresAt
	}

	_, err := s.client.Collection(s.collection).Doc(session.Key).Set(ctx, doc)
	if err != nil {
		return fmt.Errorf("firestore set for %s: %w", session.Key, err)
	}
	return nil
}

// Delete removes the session document. Deleting an absent document succeeds.
func (s *FirestoreStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.Collection(s.collection).Doc(key).Delete(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("firestore delete for %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying Firestore client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

// firestoreVersion encodes a document update time as an opaque version.
func firestoreVersion(updateTime time.Time) Version {
	return Version(strconv.FormatInt(updateTime.UnixNano(), 10))
}

func parseFirestoreVersion(version Version) (time.Time, error) {
	nanos, err := strconv.ParseInt(string(version), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("version %q was not produced by this store: %w", version, ErrInvalidArgument)
	}
	return time.Unix(0, nanos), nil
}

// ensureFirestoreTTLPolicy enables a TTL policy on the expiry field for the
// configured collection group. The policy build runs server-side and can take
// a while to activate; reads filter expired documents in the meantime, so the
// operation is not awaited.
func ensureFirestoreTTLPolicy(ctx context.Context, cfg *FirestoreStoreConfig, databaseID string, logger zerolog.Logger) error {
	adminClient, err := firestoreadmin.NewFirestoreAdminClient(ctx, cfg.ClientOptions...)
	if err != nil {
		return fmt.Errorf("creating firestore admin client: %w", err)
	}
	defer func() {
		_ = adminClient.Close()
	}()

	fieldName := fmt.Sprintf("projects/%s/databases/%s/collectionGroups/%s/fields/%s",
		cfg.ProjectID, databaseID, cfg.CollectionName, firestoreExpiryField)
	_, err = adminClient.UpdateField(ctx, &adminpb.UpdateFieldRequest{
		Field: &adminpb.Field{
			Name:      fieldName,
			TtlConfig: &adminpb.Field_TtlConfig{},
		},
		UpdateMask: &fieldmaskpb.FieldMask{Paths: []string{"ttl_config"}},
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug().Str("field", fieldName).Msg("TTL policy already present.")
			return nil
		}
		return fmt.Errorf("enabling TTL policy on %s: %w", fieldName, err)
	}

	logger.Info().Str("field", fieldName).Msg("TTL policy update requested.")
	return nil
}
