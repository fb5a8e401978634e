package redisbroker

import (
	"context"
	"strconv"
	"time"

	"github.com/UniQw/taskwire/broker"
	ikeys "github.com/UniQw/taskwire/internal/keys"
	"github.com/UniQw/taskwire/protocol"
	"github.com/redis/go-redis/v9"
)

// startMaintenance launches the per-queue background loops. Caller holds b.mu.
func (b *Broker) startMaintenance(k ikeys.Queue) {
	ctx, cancel := context.WithCancel(context.Background())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		<-b.done
		cancel()
	}()

	b.every(ctx, schedulerInterval, func() {
		// Delayed scheduler: move due messages from delayed to their pending band
		if n := b.promote(ctx, k.Delayed, k, "back"); n > 0 {
			b.log.Debugf("redisbroker: scheduled %d delayed message(s) queue=%s", n, k.Name)
		}
	})
	b.every(ctx, reclaimInterval, func() {
		// Visibility reclaimer: expired leases go back to the front of pending
		if n := b.promote(ctx, k.Active, k, "front"); n > 0 {
			b.log.Warnf("redisbroker: reclaimed %d expired lease(s) queue=%s", n, k.Name)
		}
	})
	if b.cfg.DeadRetention > 0 {
		b.every(ctx, cleanerInterval, func() { b.purgeDead(ctx, k) })
	}
}

func (b *Broker) every(ctx context.Context, interval time.Duration, fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// promote moves members of the zset src whose score is due into the pending
// band named by their priority. It returns how many members moved.
func (b *Broker) promote(ctx context.Context, src string, k ikeys.Queue, position string) int {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.rdb.ZRangeByScore(ctx, src, &redis.ZRangeBy{Min: "-inf", Max: now, Count: batchSize}).Result()
	if err != nil {
		if ctx.Err() == nil {
			b.log.Warnf("redisbroker: range failed key=%s err=%v", src, err)
		}
		return 0
	}
	moved := 0
	for _, m := range members {
		s, _ := protocol.Peek([]byte(m))
		n, err := moveScript.Run(ctx, b.rdb, []string{src, k.Pending[broker.BandOf(s.Priority)]}, m, position).Int64()
		if err != nil {
			if ctx.Err() == nil {
				b.log.Warnf("redisbroker: move failed key=%s err=%v", src, err)
			}
			return moved
		}
		moved += int(n)
	}
	return moved
}

// purgeDead drops dead letters whose retention elapsed.
func (b *Broker) purgeDead(ctx context.Context, k ikeys.Queue) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.rdb.ZRangeByScore(ctx, k.DeadExpiry, &redis.ZRangeBy{Min: "0", Max: now, Count: batchSize}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range members {
			p.LRem(ctx, k.Dead, 1, m)
			p.ZRem(ctx, k.DeadExpiry, m)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		b.log.Warnf("redisbroker: dead purge failed queue=%s err=%v", k.Name, err)
	}
}
