// Package store implements the scheduler's persistence layer (spec
// §4.9): a single-writer private database and a reader-facing public
// replica, both backed by go.etcd.io/bbolt (the teacher's own choice —
// "BoltDB ... pure Go, no C dependencies" — reused here as the grounded
// stand-in for the spec's literal "two SQLite databases" phrasing,
// since no SQL driver appears anywhere in the retrieved pack).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var buckets = [][]byte{
	bucketWorkflowParams,
	bucketTaskPool,
	bucketTaskOutputs,
	bucketTaskPrereqs,
	bucketTaskJobs,
	bucketBroadcastStates,
	bucketXtriggers,
	bucketFlows,
	bucketTemplateVars,
	bucketRuntimeInheritance,
}

var (
	bucketWorkflowParams     = []byte("workflow_params")
	bucketTaskPool           = []byte("task_pool")
	bucketTaskOutputs        = []byte("task_outputs")
	bucketTaskPrereqs        = []byte("task_prerequisites")
	bucketTaskJobs           = []byte("task_jobs")
	bucketBroadcastStates    = []byte("broadcast_states")
	bucketXtriggers          = []byte("xtriggers")
	bucketFlows              = []byte("flows")
	bucketTemplateVars       = []byte("workflow_template_vars")
	bucketRuntimeInheritance = []byte("runtime_inheritance")
)

// Op is one queued write, applied to both the private and (eventually)
// public database in the order it was enqueued.
type Op struct {
	Bucket []byte
	Key    []byte
	Value  []byte // nil means delete
}

// Store holds the authoritative private database and the reader-facing
// public replica, plus the per-tick queued-writes pipeline described in
// spec §4.9.
type Store struct {
	mu      sync.Mutex
	private *bbolt.DB
	public  *bbolt.DB
	pending []Op

	writeLatency metric.Float64Histogram
	repairs      metric.Int64Counter
}

// Open opens (creating if absent) the private and public database
// files under dir, ensuring every table bucket exists in both.
func Open(dir string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: time.Second}

	private, err := bbolt.Open(dir+"/db.private", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("store: open private db: %w", err)
	}
	public, err := bbolt.Open(dir+"/db.public", 0600, opts)
	if err != nil {
		private.Close()
		return nil, fmt.Errorf("store: open public db: %w", err)
	}

	for _, db := range []*bbolt.DB{private, public} {
		if err := ensureBuckets(db); err != nil {
			private.Close()
			public.Close()
			return nil, err
		}
	}

	writeLatency, _ := meter.Float64Histogram("cyclesched_store_write_ms")
	repairs, _ := meter.Int64Counter("cyclesched_store_repairs_total")

	return &Store{private: private, public: public, writeLatency: writeLatency, repairs: repairs}, nil
}

func ensureBuckets(db *bbolt.DB) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes both database handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err1 := s.private.Close()
	err2 := s.public.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Enqueue buffers a write for the next Commit, rather than hitting the
// database on every individual state change — spec §4.9's "writes are
// batched per tick via a queued-operations pipeline."
func (s *Store) Enqueue(bucket, key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, Op{Bucket: bucket, Key: key, Value: value})
}

// EnqueueJSON marshals v and enqueues it as one write under key.
func (s *Store) EnqueueJSON(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	s.Enqueue(bucket, key, data)
	return nil
}

// EnqueueDelete buffers a deletion for the next Commit.
func (s *Store) EnqueueDelete(bucket, key []byte) {
	s.Enqueue(bucket, key, nil)
}

// Commit applies every queued write to the private database in one
// transaction, then best-effort mirrors it to the public replica. A
// public-side failure does not fail Commit — it is repaired on the next
// RepairPublic call (driven by the main loop's health check, spec
// §4.10 step 8), since db.private is the only copy that must never
// lose a write.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	ops := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		if s.writeLatency != nil {
			s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("db", "private")))
		}
	}()

	if err := applyOps(s.private, ops); err != nil {
		return fmt.Errorf("store: commit private: %w", err)
	}

	if err := applyOps(s.public, ops); err != nil {
		if s.repairs != nil {
			s.repairs.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "commit_failed")))
		}
		// The public replica is allowed to lag; RepairPublic will bring
		// it back in line with the authoritative private copy.
	}
	return nil
}

func applyOps(db *bbolt.DB, ops []Op) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, op := range ops {
			b := tx.Bucket(op.Bucket)
			if b == nil {
				return fmt.Errorf("unknown bucket %q", op.Bucket)
			}
			if op.Value == nil {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// RepairPublic copies every bucket from the private database over the
// public replica, called from the main loop's periodic health check
// when the public replica is suspected to have fallen behind (spec
// §4.9: "a failed commit to the public (readable) replica is repaired
// by copying the private (authoritative) database over it").
func (s *Store) RepairPublic(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.private.View(func(srcTx *bbolt.Tx) error {
		return s.public.Update(func(dstTx *bbolt.Tx) error {
			for _, name := range buckets {
				src := srcTx.Bucket(name)
				dst, err := dstTx.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				// clear then repopulate so stale/orphaned keys don't survive
				if err := clearBucket(dst); err != nil {
					return err
				}
				if src == nil {
					continue
				}
				if err := src.ForEach(func(k, v []byte) error {
					return dst.Put(append([]byte(nil), k...), append([]byte(nil), v...))
				}); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("store: repair public: %w", err)
	}
	if s.repairs != nil {
		s.repairs.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "health_check")))
	}
	return nil
}

func clearBucket(b *bbolt.Bucket) error {
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Get reads a raw value from the private database (reads always go to
// the authoritative copy; db.public exists only to let external
// readers avoid locking the writer).
func (s *Store) Get(bucket, key []byte) ([]byte, bool, error) {
	var out []byte
	err := s.private.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("unknown bucket %q", bucket)
		}
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// ForEach iterates every key/value pair in bucket from the private
// database.
func (s *Store) ForEach(bucket []byte, fn func(key, value []byte) error) error {
	return s.private.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("unknown bucket %q", bucket)
		}
		return b.ForEach(fn)
	})
}

func BucketWorkflowParams() []byte  { return bucketWorkflowParams }
func BucketTaskPool() []byte        { return bucketTaskPool }
func BucketTaskOutputs() []byte     { return bucketTaskOutputs }
func BucketTaskPrereqs() []byte     { return bucketTaskPrereqs }
func BucketTaskJobs() []byte        { return bucketTaskJobs }
func BucketBroadcastStates() []byte { return bucketBroadcastStates }
func BucketXtriggers() []byte       { return bucketXtriggers }
func BucketFlows() []byte           { return bucketFlows }
func BucketTemplateVars() []byte       { return bucketTemplateVars }
func BucketRuntimeInheritance() []byte { return bucketRuntimeInheritance }
