package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Schema: one top-level bucket per concern, with nested per-stream and
// per-group sub-buckets.
//
//	entries/<stream>/<seq>            -> storedEntry JSON
//	groups/<stream>|<group>/_pel/<id> -> pelRecord JSON
//	groups/<stream>|<group>/_consumers/<consumer> -> last-seen unix nano
//	groups/<stream>|<group> key "_cursor" -> last-delivered entry id
//	leases/<key>                      -> leaseRecord JSON
var (
	bucketEntries = []byte("entries")
	bucketGroups  = []byte("groups")
	bucketLeases  = []byte("leases")
)

const cursorKey = "_cursor"

type storedEntry struct {
	Fields    map[string]string `json:"fields"`
	Timestamp int64             `json:"timestamp"`
}

type pelRecord struct {
	Consumer        string `json:"consumer"`
	DeliveryCount   int64  `json:"deliveryCount"`
	LastDeliveredAt int64  `json:"lastDeliveredAt"`
}

type leaseRecord struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Bolt is the bbolt-backed reference Transport implementation.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bbolt database at path and
// prepares the top-level buckets.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("transport.OpenBolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketGroups, bucketLeases} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("transport.OpenBolt: init buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error { return b.db.Close() }

func groupBucketName(stream, group string) []byte {
	return []byte(stream + "|" + group)
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// Append implements Transport. The whole trim-and-write happens inside
// one bbolt transaction, so readers never observe a partially trimmed
// stream.
func (b *Bolt) Append(_ context.Context, stream string, fields map[string]string, maxlen int64) (string, error) {
	var id string
	err := b.db.Update(func(tx *bolt.Tx) error {
		streams := tx.Bucket(bucketEntries)
		sb, err := streams.CreateBucketIfNotExists([]byte(stream))
		if err != nil {
			return err
		}
		seq, err := sb.NextSequence()
		if err != nil {
			return err
		}
		key := seqKey(seq)
		rec := storedEntry{Fields: fields, Timestamp: time.Now().UnixMilli()}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := sb.Put(key, data); err != nil {
			return err
		}
		id = string(key)

		if maxlen > 0 {
			if err := trimBucket(sb, maxlen); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("transport.Append(%s): %w", stream, err)
	}
	return id, nil
}

// trimBucket deletes the oldest entries in sb until its key count is at
// most maxlen. Oldest-first deletion relies on seqKey's lexicographic
// order matching insertion order.
func trimBucket(sb *bolt.Bucket, maxlen int64) error {
	n := int64(sb.Stats().KeyN)
	excess := n - maxlen
	if excess <= 0 {
		return nil
	}
	c := sb.Cursor()
	k, _ := c.First()
	for i := int64(0); i < excess && k != nil; i++ {
		if err := c.Delete(); err != nil {
			return err
		}
		k, _ = c.Next()
	}
	return nil
}

// ReadGroup implements Transport. Reading from a group that EnsureGroup
// has not created creates it on the fly. Blocking is
// implemented as short polling since this is an in-process store with
// no wakeup channel shared across writers.
func (b *Bolt) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	deadline := time.Now().Add(block)
	const pollInterval = 20 * time.Millisecond

	for {
		entries, err := b.readGroupOnce(stream, group, consumer, count)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || block <= 0 || time.Now().After(deadline) {
			return entries, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (b *Bolt) readGroupOnce(stream, group, consumer string, count int64) ([]StreamEntry, error) {
	var out []StreamEntry
	err := b.db.Update(func(tx *bolt.Tx) error {
		streams := tx.Bucket(bucketEntries)
		sb := streams.Bucket([]byte(stream))
		if sb == nil {
			return nil
		}
		groups := tx.Bucket(bucketGroups)
		gb, err := groups.CreateBucketIfNotExists(groupBucketName(stream, group))
		if err != nil {
			return err
		}
		pel, err := gb.CreateBucketIfNotExists([]byte("_pel"))
		if err != nil {
			return err
		}
		consumers, err := gb.CreateBucketIfNotExists([]byte("_consumers"))
		if err != nil {
			return err
		}
		if err := consumers.Put([]byte(consumer), []byte(fmt.Sprintf("%d", time.Now().UnixNano()))); err != nil {
			return err
		}

		cursor := gb.Get([]byte(cursorKey))
		c := sb.Cursor()
		var k, v []byte
		if cursor == nil {
			k, v = c.First()
		} else {
			c.Seek(cursor)
			k, v = c.Next()
		}

		for k != nil && int64(len(out)) < count {
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				return err
			}
			out = append(out, StreamEntry{ID: string(k), Fields: se.Fields, Timestamp: time.UnixMilli(se.Timestamp)})

			rec := pelRecord{Consumer: consumer, DeliveryCount: 1, LastDeliveredAt: time.Now().UnixNano()}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := pel.Put(k, data); err != nil {
				return err
			}
			if err := gb.Put([]byte(cursorKey), k); err != nil {
				return err
			}
			k, v = c.Next()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transport.ReadGroup(%s,%s): %w", stream, group, err)
	}
	return out, nil
}

// Ack implements Transport.
func (b *Bolt) Ack(_ context.Context, stream, group string, ids []string) (int64, error) {
	var n int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketGroups)
		gb := groups.Bucket(groupBucketName(stream, group))
		if gb == nil {
			return nil
		}
		pel := gb.Bucket([]byte("_pel"))
		if pel == nil {
			return nil
		}
		for _, id := range ids {
			if pel.Get([]byte(id)) == nil {
				continue
			}
			if err := pel.Delete([]byte(id)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("transport.Ack(%s,%s): %w", stream, group, err)
	}
	return n, nil
}

// ListPending implements Transport.
func (b *Bolt) ListPending(_ context.Context, stream, group string, minIdle time.Duration) ([]PendingEntry, error) {
	var out []PendingEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketGroups)
		gb := groups.Bucket(groupBucketName(stream, group))
		if gb == nil {
			return nil
		}
		pel := gb.Bucket([]byte("_pel"))
		if pel == nil {
			return nil
		}
		now := time.Now()
		return pel.ForEach(func(k, v []byte) error {
			var rec pelRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			idle := now.Sub(time.Unix(0, rec.LastDeliveredAt))
			if minIdle > 0 && idle < minIdle {
				return nil
			}
			out = append(out, PendingEntry{
				ID: string(k), Consumer: rec.Consumer,
				IdleTime: idle, DeliveryCount: rec.DeliveryCount,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("transport.ListPending(%s,%s): %w", stream, group, err)
	}
	return out, nil
}

// Claim implements Transport.
func (b *Bolt) Claim(_ context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]StreamEntry, error) {
	var out []StreamEntry
	err := b.db.Update(func(tx *bolt.Tx) error {
		streams := tx.Bucket(bucketEntries)
		sb := streams.Bucket([]byte(stream))
		groups := tx.Bucket(bucketGroups)
		gb := groups.Bucket(groupBucketName(stream, group))
		if sb == nil || gb == nil {
			return nil
		}
		pel := gb.Bucket([]byte("_pel"))
		if pel == nil {
			return nil
		}
		now := time.Now()
		for _, id := range ids {
			raw := pel.Get([]byte(id))
			if raw == nil {
				continue
			}
			var rec pelRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			idle := now.Sub(time.Unix(0, rec.LastDeliveredAt))
			if idle < minIdle {
				continue
			}
			ev := sb.Get([]byte(id))
			if ev == nil {
				// Entry was trimmed; drop it from the PEL.
				if err := pel.Delete([]byte(id)); err != nil {
					return err
				}
				continue
			}
			var se storedEntry
			if err := json.Unmarshal(ev, &se); err != nil {
				return err
			}
			rec.Consumer = consumer
			rec.DeliveryCount++
			rec.LastDeliveredAt = now.UnixNano()
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := pel.Put([]byte(id), data); err != nil {
				return err
			}
			out = append(out, StreamEntry{ID: id, Fields: se.Fields, Timestamp: time.UnixMilli(se.Timestamp)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transport.Claim(%s,%s): %w", stream, group, err)
	}
	return out, nil
}

// Range implements Transport's non-destructive paginated read.
func (b *Bolt) Range(_ context.Context, stream, afterID string, count int64) ([]StreamEntry, error) {
	var out []StreamEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketEntries).Bucket([]byte(stream))
		if sb == nil {
			return nil
		}
		c := sb.Cursor()
		var k, v []byte
		if afterID == "" {
			k, v = c.First()
		} else {
			c.Seek([]byte(afterID))
			k, v = c.Next()
		}
		for k != nil && int64(len(out)) < count {
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				return err
			}
			out = append(out, StreamEntry{ID: string(k), Fields: se.Fields, Timestamp: time.UnixMilli(se.Timestamp)})
			k, v = c.Next()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transport.Range(%s): %w", stream, err)
	}
	return out, nil
}

// EnsureGroup implements Transport.
func (b *Bolt) EnsureGroup(_ context.Context, stream, group string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketGroups)
		gb, err := groups.CreateBucketIfNotExists(groupBucketName(stream, group))
		if err != nil {
			return err
		}
		if _, err := gb.CreateBucketIfNotExists([]byte("_pel")); err != nil {
			return err
		}
		if _, err := gb.CreateBucketIfNotExists([]byte("_consumers")); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transport.EnsureGroup(%s,%s): %w", stream, group, err)
	}
	return nil
}

// Len implements Transport.
func (b *Bolt) Len(_ context.Context, stream string) (int64, error) {
	var n int64
	err := b.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketEntries).Bucket([]byte(stream))
		if sb != nil {
			n = int64(sb.Stats().KeyN)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("transport.Len(%s): %w", stream, err)
	}
	return n, nil
}

// GroupInfo implements Transport.
func (b *Bolt) GroupInfo(_ context.Context, stream, group string) (pending, consumers, lag int64, err error) {
	viewErr := b.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketEntries).Bucket([]byte(stream))
		gb := tx.Bucket(bucketGroups).Bucket(groupBucketName(stream, group))
		if gb == nil {
			return nil
		}
		if pelB := gb.Bucket([]byte("_pel")); pelB != nil {
			pending = int64(pelB.Stats().KeyN)
		}
		if cb := gb.Bucket([]byte("_consumers")); cb != nil {
			consumers = int64(cb.Stats().KeyN)
		}
		if sb == nil {
			return nil
		}
		cursor := gb.Get([]byte(cursorKey))
		c := sb.Cursor()
		var k []byte
		if cursor == nil {
			k, _ = c.First()
		} else {
			c.Seek(cursor)
			k, _ = c.Next()
		}
		for k != nil {
			lag++
			k, _ = c.Next()
		}
		return nil
	})
	if viewErr != nil {
		return 0, 0, 0, fmt.Errorf("transport.GroupInfo(%s,%s): %w", stream, group, viewErr)
	}
	return pending, consumers, lag, nil
}

// SetIfAbsent implements Transport's atomic create-if-absent primitive.
func (b *Bolt) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	var created bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		leases := tx.Bucket(bucketLeases)
		existing := leases.Get([]byte(key))
		if existing != nil {
			var rec leaseRecord
			if err := json.Unmarshal(existing, &rec); err != nil {
				return err
			}
			if rec.ExpiresAt > time.Now().UnixNano() {
				return nil // still held
			}
		}
		rec := leaseRecord{Value: value, ExpiresAt: time.Now().Add(ttl).UnixNano()}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		created = true
		return leases.Put([]byte(key), data)
	})
	if err != nil {
		return false, fmt.Errorf("transport.SetIfAbsent(%s): %w", key, err)
	}
	return created, nil
}

// CompareAndExtend implements Transport's atomic renew-if-owner primitive.
func (b *Bolt) CompareAndExtend(_ context.Context, key, expected string, ttl time.Duration) (bool, error) {
	var ok bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		leases := tx.Bucket(bucketLeases)
		existing := leases.Get([]byte(key))
		if existing == nil {
			return nil
		}
		var rec leaseRecord
		if err := json.Unmarshal(existing, &rec); err != nil {
			return err
		}
		if rec.Value != expected || rec.ExpiresAt <= time.Now().UnixNano() {
			return nil
		}
		rec.ExpiresAt = time.Now().Add(ttl).UnixNano()
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		ok = true
		return leases.Put([]byte(key), data)
	})
	if err != nil {
		return false, fmt.Errorf("transport.CompareAndExtend(%s): %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete implements Transport's atomic delete-if-owner primitive.
func (b *Bolt) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	var ok bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		leases := tx.Bucket(bucketLeases)
		existing := leases.Get([]byte(key))
		if existing == nil {
			return nil
		}
		var rec leaseRecord
		if err := json.Unmarshal(existing, &rec); err != nil {
			return err
		}
		if rec.Value != expected {
			return nil
		}
		ok = true
		return leases.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("transport.CompareAndDelete(%s): %w", key, err)
	}
	return ok, nil
}

var _ Transport = (*Bolt)(nil)
