package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSCache shares sessions between API replicas through a JetStream KV
// bucket whose TTL expires entries.
type NATSCache struct {
	conn   *nats.Conn
	bucket jetstream.KeyValue
}

func NewNATSCache(ctx context.Context, url, bucket string, ttl time.Duration) (*NATSCache, error) {
	conn, err := nats.Connect(url, nats.Name("memoryvault-sessions"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "memoryvault upload sessions",
			TTL:         ttl,
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, bucket)
		}
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("kv bucket %s: %w", bucket, err)
	}
	return &NATSCache{conn: conn, bucket: kv}, nil
}

func (c *NATSCache) Put(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if _, err := c.bucket.Put(ctx, s.ID, data); err != nil {
		return fmt.Errorf("kv put %s: %w", s.ID, err)
	}
	return nil
}

func (c *NATSCache) Get(ctx context.Context, id string) (*Session, error) {
	entry, err := c.bucket.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		cacheMissesTotal.Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(entry.Value(), &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	cacheHitsTotal.Inc()
	return &s, nil
}

func (c *NATSCache) Delete(ctx context.Context, id string) error {
	if err := c.bucket.Delete(ctx, id); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", id, err)
	}
	return nil
}

func (c *NATSCache) Close() {
	c.conn.Close()
}
