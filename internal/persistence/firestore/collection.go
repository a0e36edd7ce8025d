package firestore

import (
	"context"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type ToFirestoreFunc[T any] func(*T) map[string]interface{}
type FromFirestoreFunc[T any] func(id string, data map[string]interface{}) *T

// Collection pairs a collection reference with its converters.
type Collection[T any] struct {
	Ref           *firestore.CollectionRef
	ToFirestore   ToFirestoreFunc[T]
	FromFirestore FromFirestoreFunc[T]
}

func (c *Collection[T]) Doc(id string) *DocumentRef[T] {
	return &DocumentRef[T]{
		Ref:           c.Ref.Doc(id),
		ToFirestore:   c.ToFirestore,
		FromFirestore: c.FromFirestore,
	}
}

// All decodes every document returned by q.
func (c *Collection[T]) All(ctx context.Context, q firestore.Query) ([]T, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, *c.FromFirestore(snap.Ref.ID, snap.Data()))
	}
	return out, nil
}

type DocumentRef[T any] struct {
	Ref           *firestore.DocumentRef
	ToFirestore   ToFirestoreFunc[T]
	FromFirestore FromFirestoreFunc[T]
}

func (d *DocumentRef[T]) ID() string {
	return d.Ref.ID
}

// Get returns nil, nil when the document does not exist.
func (d *DocumentRef[T]) Get(ctx context.Context) (*T, error) {
	snap, err := d.Ref.Get(ctx)
	return d.decode(snap, err)
}

// TxGet reads the document inside tx, returning nil, nil when it does not exist.
func (d *DocumentRef[T]) TxGet(tx *firestore.Transaction) (*T, error) {
	snap, err := tx.Get(d.Ref)
	return d.decode(snap, err)
}

func (d *DocumentRef[T]) Set(ctx context.Context, data *T) error {
	_, err := d.Ref.Set(ctx, d.ToFirestore(data), firestore.MergeAll)
	return err
}

// TxCreate stages a create that fails the commit if the document exists.
func (d *DocumentRef[T]) TxCreate(tx *firestore.Transaction, data *T) error {
	return tx.Create(d.Ref, d.ToFirestore(data))
}

// TxSet stages a merge write.
func (d *DocumentRef[T]) TxSet(tx *firestore.Transaction, data *T) error {
	return tx.Set(d.Ref, d.ToFirestore(data), firestore.MergeAll)
}

func (d *DocumentRef[T]) decode(snap *firestore.DocumentSnapshot, err error) (*T, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	if snap == nil || !snap.Exists() {
		return nil, nil
	}
	return d.FromFirestore(snap.Ref.ID, snap.Data()), nil
}
