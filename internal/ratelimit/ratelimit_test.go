package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiterSlidingWindow(t *testing.T) {
	l := NewMemoryLimiter(2, 10*time.Second)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "/chat/p1-u1")
		if err != nil || !ok {
			t.Fatalf("Allow() #%d = %v, %v; want true, nil", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "/chat/p1-u1"); ok {
		t.Fatalf("Allow() third call = true, want false")
	}
	if ok, _ := l.Allow(ctx, "/chat/p1-u2"); !ok {
		t.Fatalf("Allow() for another caller = false, want true")
	}

	now = now.Add(11 * time.Second)
	if ok, _ := l.Allow(ctx, "/chat/p1-u1"); !ok {
		t.Fatalf("Allow() after window = false, want true")
	}
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLimiter(client, 3, 10*time.Second)
	now := time.UnixMilli(1_700_000_000_000)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "/chat/p1-u1")
		if err != nil || !ok {
			t.Fatalf("Allow() #%d = %v, %v; want true, nil", i, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "/chat/p1-u1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if ok {
		t.Fatalf("Allow() fourth call = true, want false")
	}

	now = now.Add(10 * time.Second)
	if ok, _ := l.Allow(ctx, "/chat/p1-u1"); !ok {
		t.Fatalf("Allow() in next window = false, want true")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return true, errors.New("connection refused")
}

func TestGateFailsClosed(t *testing.T) {
	g := NewGate(failingLimiter{}, time.Second)
	d, err := g.Admit(context.Background(), Identifier("/chat/p1", "u1"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Admit() error = %v, want ErrUnavailable", err)
	}
	if d.Allowed {
		t.Fatalf("Admit() allowed a request while the backend failed")
	}
}

func TestGateWithoutLimiterFailsClosed(t *testing.T) {
	var g *Gate
	if _, err := g.Admit(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Admit() on nil gate error = %v, want ErrUnavailable", err)
	}
}

func TestIdentifier(t *testing.T) {
	if got := Identifier("/chat/p1", "u1"); got != "/chat/p1-u1" {
		t.Fatalf("Identifier() = %q, want %q", got, "/chat/p1-u1")
	}
}
