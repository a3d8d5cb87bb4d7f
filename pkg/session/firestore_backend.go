package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig configures the Firestore backend.
type FirestoreConfig struct {
	ProjectID string
	// Collection holds session documents (default: "coaching_sessions").
	// Open-session pointers live in "<collection>_open".
	Collection      string
	CredentialsFile string
}

// FirestoreBackend implements Store on Cloud Firestore. Uniqueness and
// version checks run inside Firestore transactions.
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
	mu         sync.RWMutex
	closed     bool
}

// sessionDoc is the stored document. Data carries the full record; the other
// fields exist for queries.
type sessionDoc struct {
	TenantID       string    `firestore:"tenantId"`
	TopicID        string    `firestore:"topicId"`
	UserID         string    `firestore:"userId"`
	Status         string    `firestore:"status"`
	Version        int64     `firestore:"version"`
	LastActivityAt time.Time `firestore:"lastActivityAt"`
	ExpiresAt      time.Time `firestore:"expiresAt,omitempty"`
	Data           string    `firestore:"data"`
}

type openDoc struct {
	SessionID string `firestore:"sessionId"`
}

// NewFirestoreBackend connects to Firestore.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig) (*FirestoreBackend, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore project ID is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return NewFirestoreBackendFromClient(client, cfg.Collection), nil
}

// NewFirestoreBackendFromClient wraps an existing client, e.g. one pointed
// at the emulator.
func NewFirestoreBackendFromClient(client *firestore.Client, collection string) *FirestoreBackend {
	if collection == "" {
		collection = "coaching_sessions"
	}
	return &FirestoreBackend{client: client, collection: collection}
}

func (b *FirestoreBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *FirestoreBackend) sessionRef(id string) *firestore.DocumentRef {
	return b.client.Collection(b.collection).Doc(id)
}

func (b *FirestoreBackend) openRef(tenantID, topicID string) *firestore.DocumentRef {
	return b.client.Collection(b.collection + "_open").Doc(openDocID(tenantID, topicID))
}

// openDocID builds a document id that cannot contain '/'.
func openDocID(tenantID, topicID string) string {
	r := strings.NewReplacer("/", "%2F", "%", "%25")
	return r.Replace(tenantID) + "__" + r.Replace(topicID)
}

func encodeDoc(s *Session) (*sessionDoc, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	doc := &sessionDoc{
		TenantID:       s.TenantID(),
		TopicID:        s.TopicID(),
		UserID:         s.UserID(),
		Status:         string(s.Status()),
		Version:        s.Version(),
		LastActivityAt: s.LastActivityAt(),
		Data:           string(data),
	}
	if t, ok := s.ExpiresAt(); ok {
		doc.ExpiresAt = t
	}
	return doc, nil
}

func decodeDoc(doc *sessionDoc) (*Session, error) {
	var s Session
	if err := json.Unmarshal([]byte(doc.Data), &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (b *FirestoreBackend) readSession(snap *firestore.DocumentSnapshot) (*Session, error) {
	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode session document: %w", err)
	}
	return decodeDoc(&doc)
}

// Create registers the open pointer and the session document in one transaction.
func (b *FirestoreBackend) Create(ctx context.Context, s *Session) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	openRef := b.openRef(s.TenantID(), s.TopicID())
	var conflict *Session
	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		conflict = nil
		snap, err := tx.Get(openRef)
		switch {
		case err == nil:
			var od openDoc
			if err := snap.DataTo(&od); err != nil {
				return fmt.Errorf("decode open pointer: %w", err)
			}
			existingSnap, err := tx.Get(b.sessionRef(od.SessionID))
			if err != nil && !isNotFound(err) {
				return err
			}
			if err == nil {
				existing, err := b.readSession(existingSnap)
				if err != nil {
					return err
				}
				if existing.Status().IsOpen() {
					conflict = existing
					return nil
				}
			}
		case !isNotFound(err):
			return err
		}

		s.r.Version = 1
		doc, err := encodeDoc(s)
		if err != nil {
			return err
		}
		if err := tx.Create(b.sessionRef(s.ID()), doc); err != nil {
			return err
		}
		return tx.Set(openRef, openDoc{SessionID: s.ID()})
	})
	if err != nil {
		s.r.Version = 0
		return fmt.Errorf("create session: %w", err)
	}
	if conflict != nil {
		s.r.Version = 0
		return &CreateConflictError{Existing: conflict}
	}
	return nil
}

// Save writes s inside a transaction that checks the stored version.
func (b *FirestoreBackend) Save(ctx context.Context, s *Session) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	ref := b.sessionRef(s.ID())
	openRef := b.openRef(s.TenantID(), s.TopicID())
	expected := s.Version()

	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return ErrSessionNotFound
			}
			return err
		}
		var current sessionDoc
		if err := snap.DataTo(&current); err != nil {
			return fmt.Errorf("decode session document: %w", err)
		}
		if current.Version != expected {
			return ErrVersionConflict
		}

		// All reads must happen before writes.
		var owner string
		if !s.Status().IsOpen() {
			openSnap, err := tx.Get(openRef)
			if err != nil && !isNotFound(err) {
				return err
			}
			if err == nil {
				var od openDoc
				if err := openSnap.DataTo(&od); err == nil {
					owner = od.SessionID
				}
			}
		}

		s.r.Version = expected + 1
		doc, err := encodeDoc(s)
		if err != nil {
			return err
		}
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		if owner == s.ID() {
			return tx.Delete(openRef)
		}
		return nil
	})
	if err != nil {
		s.r.Version = expected
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrSessionNotFound) {
			return err
		}
		if status.Code(err) == codes.Aborted {
			return ErrVersionConflict
		}
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetByID loads a session within a tenant.
func (b *FirestoreBackend) GetByID(ctx context.Context, id, tenantID string) (*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	snap, err := b.sessionRef(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	s, err := b.readSession(snap)
	if err != nil {
		return nil, err
	}
	if s.TenantID() != tenantID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetActiveForTenantTopic follows the open pointer for a topic.
func (b *FirestoreBackend) GetActiveForTenantTopic(ctx context.Context, tenantID, topicID string) (*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	snap, err := b.openRef(tenantID, topicID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get open pointer: %w", err)
	}
	var od openDoc
	if err := snap.DataTo(&od); err != nil {
		return nil, fmt.Errorf("decode open pointer: %w", err)
	}
	s, err := b.GetByID(ctx, od.SessionID, tenantID)
	if err != nil {
		return nil, err
	}
	if !s.Status().IsOpen() {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetActiveForUserTopic returns the open session for a topic if userID owns it.
func (b *FirestoreBackend) GetActiveForUserTopic(ctx context.Context, userID, topicID, tenantID string) (*Session, error) {
	s, err := b.GetActiveForTenantTopic(ctx, tenantID, topicID)
	if err != nil {
		return nil, err
	}
	if s.UserID() != userID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ListSweepCandidates queries open sessions and filters them in process.
func (b *FirestoreBackend) ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	q := b.client.Collection(b.collection).
		Where("status", "in", []string{string(StatusActive), string(StatusPaused)}).
		OrderBy("lastActivityAt", firestore.Asc)
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*Session
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query open sessions: %w", err)
		}
		s, err := b.readSession(snap)
		if err != nil {
			return nil, err
		}
		if !isSweepCandidate(s, now) {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close releases the Firestore client.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
