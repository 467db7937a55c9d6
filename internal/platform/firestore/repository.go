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

var (
	errNoProvider   = errors.New("firestore: provider is nil")
	errNoCollection = errors.New("firestore: collection name is required")
	errNoDocumentID = errors.New("firestore: document id is required")
)

// Document is a decoded snapshot plus the server update time.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// QueryBuilder narrows a collection query before it runs.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection binds a document struct to one top-level collection. Errors from Firestore are
// wrapped with the collection name as the operation prefix.
type Collection[T any] struct {
	provider *Provider
	name     string
}

func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

func (c *Collection[T]) Set(ctx context.Context, id string, value T) (time.Time, error) {
	ref, err := c.DocumentRef(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	res, err := ref.Set(ctx, value)
	if err != nil {
		return time.Time{}, WrapError(c.op("set"), err)
	}
	return res.UpdateTime, nil
}

func (c *Collection[T]) Update(ctx context.Context, id string, updates []firestore.Update, preconds ...firestore.Precondition) (time.Time, error) {
	ref, err := c.DocumentRef(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	res, err := ref.Update(ctx, updates, preconds...)
	if err != nil {
		return time.Time{}, WrapError(c.op("update"), err)
	}
	return res.UpdateTime, nil
}

func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return Decode[T](snap)
}

// GetMany reads ids in one round trip. Missing documents are left out of the result.
func (c *Collection[T]) GetMany(ctx context.Context, ids []string) (map[string]Document[T], error) {
	out := make(map[string]Document[T], len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	client, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return nil, WrapError(c.op("get_many"), errNoDocumentID)
		}
		refs = append(refs, client.Collection(c.name).Doc(id))
	}
	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, WrapError(c.op("get_many"), err)
	}
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		doc, err := Decode[T](snap)
		if err != nil {
			return nil, err
		}
		out[doc.ID] = doc
	}
	return out, nil
}

func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	client, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	query := client.Collection(c.name).Query
	if build != nil {
		query = build(query)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		doc, err := Decode[T](snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

// DocumentRef resolves id for use inside a transaction.
func (c *Collection[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("document"), errNoDocumentID)
	}
	client, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name).Doc(id), nil
}

func (c *Collection[T]) client(ctx context.Context) (*firestore.Client, error) {
	if c == nil || c.provider == nil {
		return nil, WrapError(c.op("client"), errNoProvider)
	}
	if c.name == "" {
		return nil, WrapError(c.op("client"), errNoCollection)
	}
	return c.provider.Client(ctx)
}

func (c *Collection[T]) op(action string) string {
	if c == nil || c.name == "" {
		return "firestore." + action
	}
	return c.name + "." + action
}

// Decode hydrates a snapshot read through a transaction or a raw query.
func Decode[T any](snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s: %w", snap.Ref.Path, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: data, UpdateTime: snap.UpdateTime}, nil
}
