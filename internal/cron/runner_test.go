package cronrunner

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRunner_RunsJobWithBaseContext(t *testing.T) {
	type ctxKey struct{}
	base := context.WithValue(context.Background(), ctxKey{}, "base")
	r := New(zap.NewNop(), base)

	got := make(chan any, 1)
	if _, err := r.Add("tick", "@every 1s", func(ctx context.Context) {
		select {
		case got <- ctx.Value(ctxKey{}):
		default:
		}
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	r.Start()
	defer r.Stop()

	select {
	case v := <-got:
		if v != "base" {
			t.Fatalf("ctx value=%v want base", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job did not run")
	}
}

func TestRunner_RecoversPanics(t *testing.T) {
	r := New(nil, nil)
	ran := make(chan struct{}, 2)
	if _, err := r.Add("boom", "@every 1s", func(context.Context) {
		ran <- struct{}{}
		panic("boom")
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	r.Start()
	defer r.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(3 * time.Second):
			t.Fatalf("job stopped running after panic")
		}
	}
}

func TestRunner_RejectsBadSpec(t *testing.T) {
	r := New(zap.NewNop(), context.Background())
	if _, err := r.Add("bad", "not a spec", func(context.Context) {}); err == nil {
		t.Fatalf("expected error for invalid spec")
	}
}
