package resultcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// firestoreDoc is the stored shape. expiresAt doubles as the field for a
// Firestore TTL policy, which removes expired documents server side.
type firestoreDoc struct {
	Value     []byte    `firestore:"value"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// Firestore is a Cache backed by one Firestore collection.
type Firestore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

func NewFirestore(client *firestore.Client, collection string) *Firestore {
	return &Firestore{client: client, collection: collection, now: time.Now}
}

func (f *Firestore) SetEx(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	doc := firestoreDoc{Value: value, ExpiresAt: f.now().Add(ttl).UTC()}
	if _, err := f.client.Collection(f.collection).Doc(docID(key)).Set(ctx, doc); err != nil {
		return fmt.Errorf("firestore set %s: %w", key, err)
	}
	return nil
}

func (f *Firestore) Get(ctx context.Context, key string) ([]byte, error) {
	snap, err := f.client.Collection(f.collection).Doc(docID(key)).Get(ctx)
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("firestore get %s: %w", key, err)
	}
	var doc firestoreDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore decode %s: %w", key, err)
	}
	// TTL policies delete lazily, so expiry is still checked here.
	if !f.now().Before(doc.ExpiresAt) {
		return nil, ErrMiss
	}
	return doc.Value, nil
}

func (f *Firestore) Del(ctx context.Context, key string) error {
	if _, err := f.client.Collection(f.collection).Doc(docID(key)).Delete(ctx); err != nil {
		return fmt.Errorf("firestore delete %s: %w", key, err)
	}
	return nil
}

// docID maps a cache key to a valid document id; '/' is a path separator in
// Firestore.
func docID(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}
