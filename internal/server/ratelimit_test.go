package server

import (
	"context"
	"testing"
)

func TestRedisLimiterDisabled(t *testing.T) {
	l := NewRedisLimiter(nil, 0, nil)
	allowed, err := l.Allow(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Fatal("disabled limiter must always allow")
	}
}
