package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot together with its server timestamps.
// UpdateTime doubles as the optimistic concurrency token for writes.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

// Encoder maps an entity to the value written to Firestore.
type Encoder[T any] func(ctx context.Context, value T) (any, error)

// Decoder maps a snapshot back to the entity.
type Decoder[T any] func(ctx context.Context, snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder narrows a collection query.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection is a typed view over one Firestore collection.
type Collection[T any] struct {
	provider *Provider
	name     string
	encode   Encoder[T]
	decode   Decoder[T]
}

// NewCollection binds name to provider. Without an encoder the entity is written as-is,
// and without a decoder snapshots are read with DataTo.
func NewCollection[T any](provider *Provider, name string, encode Encoder[T], decode Decoder[T]) *Collection[T] {
	c := &Collection[T]{provider: provider, name: strings.TrimSpace(name), encode: encode, decode: decode}
	if c.encode == nil {
		c.encode = func(_ context.Context, value T) (any, error) { return value, nil }
	}
	if c.decode == nil {
		c.decode = func(_ context.Context, snap *firestore.DocumentSnapshot) (T, error) {
			var out T
			err := snap.DataTo(&out)
			return out, err
		}
	}
	return c
}

// Get reads one document; a missing id is a not-found *Error.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return c.Decode(ctx, snap)
}

// Create fails with a conflict when id already exists.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) (time.Time, error) {
	return c.write(ctx, "create", id, func(ref *firestore.DocumentRef, payload any) (*firestore.WriteResult, error) {
		return ref.Create(ctx, payload)
	}, value)
}

// Set overwrites (or merges, with opts) the document stored under id.
func (c *Collection[T]) Set(ctx context.Context, id string, value T, opts ...firestore.SetOption) (time.Time, error) {
	return c.write(ctx, "set", id, func(ref *firestore.DocumentRef, payload any) (*firestore.WriteResult, error) {
		return ref.Set(ctx, payload, opts...)
	}, value)
}

// Update applies field updates. Pass firestore.LastUpdateTime to make it conditional.
func (c *Collection[T]) Update(ctx context.Context, id string, updates []firestore.Update, preconditions ...firestore.Precondition) (time.Time, error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	res, err := ref.Update(ctx, updates, preconditions...)
	if err != nil {
		return time.Time{}, WrapError(c.op("update"), err)
	}
	return res.UpdateTime, nil
}

// Query decodes every document the built query yields.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	ref, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	q := ref.Query
	if build != nil {
		q = build(q)
	}
	it := q.Documents(ctx)
	defer it.Stop()

	var out []Document[T]
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		doc, err := c.Decode(ctx, snap)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
}

// First is Query limited to one result; an empty result is a not-found *Error.
func (c *Collection[T]) First(ctx context.Context, build QueryBuilder) (Document[T], error) {
	docs, err := c.Query(ctx, func(q firestore.Query) firestore.Query {
		if build != nil {
			q = build(q)
		}
		return q.Limit(1)
	})
	if err != nil {
		return Document[T]{}, err
	}
	if len(docs) == 0 {
		return Document[T]{}, NewNotFoundError(c.op("first"), "no matching document")
	}
	return docs[0], nil
}

// Ref resolves the document reference for use inside a transaction.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%s: document id is required", c.op("ref"))
	}
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Decode converts a snapshot, typically one read through a transaction.
func (c *Collection[T]) Decode(ctx context.Context, snap *firestore.DocumentSnapshot) (Document[T], error) {
	data, err := c.decode(ctx, snap)
	if err != nil {
		return Document[T]{}, fmt.Errorf("%s: decode %s: %w", c.op("decode"), snap.Ref.ID, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: data, CreateTime: snap.CreateTime, UpdateTime: snap.UpdateTime}, nil
}

func (c *Collection[T]) write(ctx context.Context, action, id string, do func(*firestore.DocumentRef, any) (*firestore.WriteResult, error), value T) (time.Time, error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	payload, err := c.encode(ctx, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: encode %s: %w", c.op(action), id, err)
	}
	res, err := do(ref, payload)
	if err != nil {
		return time.Time{}, WrapError(c.op(action), err)
	}
	return res.UpdateTime, nil
}

func (c *Collection[T]) ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil || c.name == "" {
		return nil, errors.New("firestore: collection is not configured")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) op(action string) string {
	return c.name + "." + action
}
