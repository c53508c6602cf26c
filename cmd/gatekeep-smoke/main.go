// gatekeep-smoke fires a burst of overlapping withdrawals at one account and
// prints the outcome distribution. With no -redis-addr it spins up an
// embedded Redis, so it doubles as a quick end-to-end check of the whole
// stack. The -listen flag exposes Prometheus metrics and the live security
// event feed while the run is in flight.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coinhold/gatekeep/authorize"
	"github.com/coinhold/gatekeep/config"
	gkerrors "github.com/coinhold/gatekeep/errors"
	"github.com/coinhold/gatekeep/events"
	"github.com/coinhold/gatekeep/factor"
	"github.com/coinhold/gatekeep/metrics"
	"github.com/coinhold/gatekeep/presets"
)

const smokeSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

type smokeCreds struct{ pinHash string }

func (c smokeCreds) SecondFactorSecret(ctx context.Context, account string) (string, error) {
	return smokeSecret, nil
}

func (c smokeCreds) PINHash(ctx context.Context, account string) (string, error) {
	return c.pinHash, nil
}

type smokeLedger struct {
	mu      sync.Mutex
	balance int64
}

func (l *smokeLedger) Balance(ctx context.Context, account, currency string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, nil
}

func (l *smokeLedger) Reserve(ctx context.Context, account, currency string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance < amount {
		return gkerrors.ErrInsufficientFunds
	}
	l.balance -= amount
	return nil
}

func main() {
	redisAddr := flag.String("redis-addr", "", "Redis address (empty = embedded)")
	workers := flag.Int("c", 8, "Concurrent withdrawal attempts")
	balance := flag.Int64("balance", 100_000_000, "Starting balance in minor units")
	amount := flag.Int64("amount", 30_000_000, "Withdrawal amount in minor units")
	listen := flag.String("listen", "", "Serve /metrics and /events on this address")
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

	cfg := config.Default()
	cfg.Redis.Addr = *redisAddr

	pinHash, err := factor.HashPIN("271828")
	if err != nil {
		log.Fatalf("hash pin: %v", err)
	}
	ledger := &smokeLedger{balance: *balance}
	bus := events.NewInMemoryBus()

	auth, err := presets.NewRedis(cfg, ledger, smokeCreds{pinHash: pinHash},
		authorize.WithEvents(bus))
	if err != nil {
		log.Fatalf("build authorizer: %v", err)
	}
	// PIN-only variant on the same Redis, so concurrent workers contend on
	// the real lock without sharing one TOTP code.
	pinAuth, err := presets.NewRedis(cfg, ledger, smokeCreds{pinHash: pinHash},
		authorize.WithEvents(bus), authorize.WithFactorOrder(factor.TypePIN))
	if err != nil {
		log.Fatalf("build pin authorizer: %v", err)
	}

	if *listen != "" {
		reg := metrics.NewRegistry()
		metrics.Register(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/events", events.SSEHandler(bus))
		go func() {
			log.Printf("serving metrics and events on %s", *listen)
			if err := http.ListenAndServe(*listen, mux); err != nil {
				log.Fatalf("listen: %v", err)
			}
		}()
	}

	code, err := totp.GenerateCode(smokeSecret, time.Now())
	if err != nil {
		log.Fatalf("generate code: %v", err)
	}

	log.Printf("firing %d concurrent withdrawals of %d against balance %d",
		*workers, *amount, *balance)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := make(chan authorize.Code, *workers)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Only the first worker presents the shared code; the
			// rest authenticate by PIN alone so replay prevention
			// does not dominate the distribution.
			req := authorize.Request{
				Account:  "smoke-account",
				Currency: "BTC",
				Class:    "onchain",
				Amount:   *amount,
				Evidence: factor.Evidence{factor.TypePIN: "271828"},
			}
			target := pinAuth
			if i == 0 {
				req.Evidence[factor.TypeTOTP] = code
				target = auth
			}
			res, err := target.Authorize(ctx, req)
			if err != nil {
				log.Printf("worker %d: %v", i, err)
				return
			}
			results <- res.Code
		}(i)
	}
	wg.Wait()
	close(results)
	elapsed := time.Since(start)

	dist := map[authorize.Code]int{}
	for c := range results {
		dist[c]++
	}
	log.Printf("done in %v", elapsed)
	for c, n := range dist {
		log.Printf("  %-20s %d", c, n)
	}
	remaining, _ := ledger.Balance(ctx, "smoke-account", "BTC")
	log.Printf("remaining balance: %d", remaining)

	if *listen != "" {
		log.Printf("serving until interrupted; ctrl-c to exit")
		select {}
	}
}
