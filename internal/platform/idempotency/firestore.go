package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/hanko-field/tradein/internal/platform/firestore"
)

const defaultCollection = "trade_in_idempotency_keys"

// FirestoreStore keeps keys in a Firestore collection. Expired documents are reclaimed by a TTL
// policy on expires_at and are treated as absent until then.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

// NewFirestoreStore uses collection when non-empty.
func NewFirestoreStore(provider *pfirestore.Provider, collection string) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{provider: provider, collection: collection}, nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return 0, Entry{}, err
	}

	var (
		outcome Outcome
		entry   Entry
	)
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var doc keyDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if existing := doc.entry(); !existing.expired(now) {
				outcome, err = decide(existing, fingerprint)
				entry = existing
				return err
			}
		}
		entry = pendingEntry(key, fingerprint, now, ttl)
		outcome = OutcomeProceed
		return tx.Set(ref, newKeyDocument(entry))
	})
	if err != nil {
		return 0, Entry{}, err
	}
	return outcome, entry, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	return s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		entry := pendingEntry(key, fingerprint, now, ttl)
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var doc keyDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			entry.CreatedAt = doc.CreatedAt
		}
		entry.Status = StatusCompleted
		entry.Response = Response{Status: resp.Status, Headers: replayableHeaders(resp.Headers), Body: resp.Body}
		return tx.Set(ref, newKeyDocument(entry))
	})
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("idempotency.release", err)
	}
	return nil
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(documentID(key)), nil
}

type keyDocument struct {
	Key            string              `firestore:"key"`
	Fingerprint    string              `firestore:"fingerprint"`
	Status         string              `firestore:"status"`
	ResponseStatus int                 `firestore:"response_status"`
	ResponseHeader map[string][]string `firestore:"response_headers,omitempty"`
	ResponseBody   []byte              `firestore:"response_body,omitempty"`
	CreatedAt      time.Time           `firestore:"created_at"`
	ExpiresAt      time.Time           `firestore:"expires_at"`
}

func newKeyDocument(e Entry) keyDocument {
	return keyDocument{
		Key:            e.Key,
		Fingerprint:    e.Fingerprint,
		Status:         string(e.Status),
		ResponseStatus: e.Response.Status,
		ResponseHeader: e.Response.Headers,
		ResponseBody:   e.Response.Body,
		CreatedAt:      e.CreatedAt.UTC(),
		ExpiresAt:      e.ExpiresAt.UTC(),
	}
}

func (d keyDocument) entry() Entry {
	return Entry{
		Key:         d.Key,
		Fingerprint: d.Fingerprint,
		Status:      Status(d.Status),
		Response:    Response{Status: d.ResponseStatus, Headers: d.ResponseHeader, Body: d.ResponseBody},
		CreatedAt:   d.CreatedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}

var _ Store = (*FirestoreStore)(nil)
