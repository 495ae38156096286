package syncx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLog keeps the most recent events in a capped redis list, newest at
// the head. Sequence numbers come from a counter next to the list.
type RedisLog struct {
	client *redis.Client
	key    string
	size   int64
}

// NewRedisLog keeps at most size events under prefix+"events".
func NewRedisLog(client *redis.Client, prefix string, size int) *RedisLog {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &RedisLog{client: client, key: prefix + "events", size: int64(size)}
}

func (r *RedisLog) Append(ctx context.Context, e Event) error {
	seq, err := r.client.Incr(ctx, r.key+":seq").Result()
	if err != nil {
		return fmt.Errorf("event seq: %w", err)
	}
	if e.SiteID == "" {
		e.SiteID = "local"
	}
	e.Seq = seq
	e.CreatedAt = time.Now().Unix()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, r.key, b)
		p.LTrim(ctx, r.key, 0, r.size-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("event append: %w", err)
	}
	return nil
}

// ByKey lists the retained events for key, oldest first.
func (r *RedisLog) ByKey(ctx context.Context, key string) ([]Event, error) {
	raw, err := r.client.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []Event
	for i := len(raw) - 1; i >= 0; i-- {
		var e Event
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			return nil, err
		}
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out, nil
}

// Len reports how many events the list holds.
func (r *RedisLog) Len(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.key).Result()
}
