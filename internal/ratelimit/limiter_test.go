package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, burst int, refill float64) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, burst, refill, time.Hour)
}

func TestAllowConsumesBurst(t *testing.T) {
	l := newTestLimiter(t, 3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "loc_1")
		if err != nil {
			t.Fatalf("Allow #%d: %v", i+1, err)
		}
		if !ok {
			t.Fatalf("request %d inside burst was denied", i+1)
		}
	}

	ok, err := l.Allow(ctx, "loc_1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("request beyond burst was allowed")
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	l := newTestLimiter(t, 1, 0)
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, "loc_1"); !ok {
		t.Fatal("first tenant denied its only token")
	}
	if ok, _ := l.Allow(ctx, "loc_1"); ok {
		t.Fatal("first tenant exceeded its bucket")
	}
	if ok, _ := l.Allow(ctx, "loc_2"); !ok {
		t.Fatal("second tenant starved by the first")
	}
}

func TestBucketRefills(t *testing.T) {
	// 100 tokens/s so a short sleep is enough to earn one back
	l := newTestLimiter(t, 1, 100)
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, "loc_1"); !ok {
		t.Fatal("initial token denied")
	}
	if ok, _ := l.Allow(ctx, "loc_1"); ok {
		t.Fatal("empty bucket allowed a request")
	}

	time.Sleep(30 * time.Millisecond)
	ok, err := l.Allow(ctx, "loc_1")
	if err != nil {
		t.Fatalf("Allow after refill: %v", err)
	}
	if !ok {
		t.Fatal("bucket did not refill")
	}
}
