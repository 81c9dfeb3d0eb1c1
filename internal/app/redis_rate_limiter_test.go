package app

import (
	"context"
	"testing"
	"time"
)

func TestRedisRateLimiterWithoutClientAdmits(t *testing.T) {
	var nilLimiter *RedisRateLimiter
	if ok, _, err := nilLimiter.Allow(context.Background(), "attempt", "0xb0b", 1, time.Minute); !ok || err != nil {
		t.Fatalf("nil limiter must admit, got ok=%t err=%v", ok, err)
	}
	limiter := NewRedisRateLimiter(nil, "")
	if limiter.prefix != "proof:rate_limit" {
		t.Fatalf("unexpected default prefix %q", limiter.prefix)
	}
	if ok, _, _ := limiter.Allow(context.Background(), "attempt", "0xb0b", 1, time.Minute); !ok {
		t.Fatal("limiter without client must admit")
	}
}

func TestRedisRateLimiterKey(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, " proof:limits: ")
	if got := limiter.key("attempt", "0xb0b"); got != "proof:limits:attempt:0xb0b" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestParseWindowResult(t *testing.T) {
	count, retryAfter, err := parseWindowResult([]interface{}{int64(3), int64(1500)}, 60000)
	if err != nil || count != 3 || retryAfter != 2 {
		t.Fatalf("unexpected result count=%d retry=%d err=%v", count, retryAfter, err)
	}
	_, retryAfter, _ = parseWindowResult([]interface{}{int64(1), int64(-1)}, 60000)
	if retryAfter != 60 {
		t.Fatalf("expected window fallback, got %d", retryAfter)
	}
	if _, _, err := parseWindowResult("OK", 60000); err == nil {
		t.Fatal("expected shape error")
	}
}
