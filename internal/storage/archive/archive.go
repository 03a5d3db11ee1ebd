// Package archive implements the object-store destination: a long-term
// mirror of scored intervals written as JSON objects to a GCS bucket, with
// a hot/cool/cold/delete lifecycle policy for retention.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/banshee-data/safety.report/internal/index"
)

// ErrObjectNotFound reports that no archived object exists for a key.
var ErrObjectNotFound = errors.New("archive object not found")

// Lifecycle ages for the retention tiers, in days since object creation.
const (
	coolAfterDays   = 30   // STANDARD -> NEARLINE
	coldAfterDays   = 180  // NEARLINE -> COLDLINE
	deleteAfterDays = 1825 // five years, then gone
)

// Store mirrors safety-index records into a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// NewStore builds an archive store for bucket. Extra client options allow
// pointing at an emulator endpoint in development.
func NewStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket name is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// NewStoreWithClient wraps an existing client, for tests.
func NewStoreWithClient(client *storage.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Name identifies this store to the fan-out writer.
func (s *Store) Name() string { return "archive" }

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// objectKey lays records out by intersection and day so prefix listings
// stay cheap: indices/<intersection>/<yyyy>/<mm>/<dd>/<hhmm>.json
func objectKey(intersectionID string, intervalStart time.Time) string {
	t := intervalStart.UTC()
	return fmt.Sprintf("indices/%s/%s.json", intersectionID, t.Format("2006/01/02/1504"))
}

// WriteRecord uploads one record as a JSON object. Re-writing the same
// interval overwrites the object, matching the idempotent upsert semantics
// of the other destinations.
func (s *Store) WriteRecord(ctx context.Context, rec *index.SafetyIndexRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	obj := s.client.Bucket(s.bucket).Object(objectKey(rec.IntersectionID, rec.IntervalStart))
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("upload %s: %w", obj.ObjectName(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", obj.ObjectName(), err)
	}
	return nil
}

// ReadRecord fetches one archived record by its natural key.
func (s *Store) ReadRecord(ctx context.Context, intersectionID string, intervalStart time.Time) (*index.SafetyIndexRecord, error) {
	key := objectKey(intersectionID, intervalStart)
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	var rec index.SafetyIndexRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &rec, nil
}

// ListKeys returns object names under prefix, for consistency audits.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// EnsureLifecycle applies the retention tiers to the bucket: objects cool
// to NEARLINE after 30 days, freeze to COLDLINE after 180, and delete
// after five years.
func (s *Store) EnsureLifecycle(ctx context.Context) error {
	bucket := s.client.Bucket(s.bucket)
	_, err := bucket.Update(ctx, storage.BucketAttrsToUpdate{
		Lifecycle: &storage.Lifecycle{
			Rules: []storage.LifecycleRule{
				{
					Action:    storage.LifecycleAction{Type: storage.SetStorageClassAction, StorageClass: "NEARLINE"},
					Condition: storage.LifecycleCondition{AgeInDays: coolAfterDays},
				},
				{
					Action:    storage.LifecycleAction{Type: storage.SetStorageClassAction, StorageClass: "COLDLINE"},
					Condition: storage.LifecycleCondition{AgeInDays: coldAfterDays},
				},
				{
					Action:    storage.LifecycleAction{Type: storage.DeleteAction},
					Condition: storage.LifecycleCondition{AgeInDays: deleteAfterDays},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("apply lifecycle to %s: %w", s.bucket, err)
	}
	return nil
}
