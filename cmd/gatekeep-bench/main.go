// gatekeep-bench measures lock manager throughput under contention: many
// goroutines acquire and release per-account locks against a Redis (real or
// embedded) and the tool reports acquisitions per second, timeouts, and
// latency.
package main

import (
	"context"
	"flag"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/coinhold/gatekeep/keys"
	"github.com/coinhold/gatekeep/keyval"
	"github.com/coinhold/gatekeep/lock"
)

var (
	redisAddr   = flag.String("redis-addr", "", "Redis address (empty = embedded)")
	concurrency = flag.Int("c", 50, "Concurrent lockers")
	iterations  = flag.Int("n", 2000, "Acquire/release cycles per locker")
	accounts    = flag.Int("accounts", 16, "Distinct accounts to contend over")
	ttl         = flag.Duration("ttl", 5*time.Second, "Lock TTL")
	maxWait     = flag.Duration("max-wait", 2*time.Second, "Acquisition wait budget")
)

func main() {
	flag.Parse()

	if *redisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			log.Fatalf("embedded redis: %v", err)
		}
		defer mr.Close()
		*redisAddr = mr.Addr()
		log.Printf("embedded redis on %s", *redisAddr)
	}

	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	manager := lock.NewManager(keyval.NewRedis(client))

	log.Printf("benchmark: %d lockers x %d cycles over %d accounts",
		*concurrency, *iterations, *accounts)

	ctx := context.Background()
	var acquired, timeouts, failures int64
	var totalWait int64

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < *iterations; j++ {
				account := string(rune('a'+(worker+j)%*accounts)) + "-bench"
				key := keys.Lock("onchain", account, "BTC")

				t0 := time.Now()
				token, err := manager.Acquire(ctx, key, *ttl, *maxWait, time.Millisecond)
				atomic.AddInt64(&totalWait, int64(time.Since(t0)))
				if err != nil {
					atomic.AddInt64(&timeouts, 1)
					continue
				}
				atomic.AddInt64(&acquired, 1)
				if err := manager.Release(ctx, key, token); err != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := acquired + timeouts
	log.Printf("done in %v", elapsed)
	log.Printf("  acquired:  %d (%.0f/s)", acquired, float64(acquired)/elapsed.Seconds())
	log.Printf("  timeouts:  %d", timeouts)
	log.Printf("  failures:  %d", failures)
	if total > 0 {
		log.Printf("  avg wait:  %v", time.Duration(totalWait/total))
	}
}
