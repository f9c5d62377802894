package harness

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeChannel struct {
	execFunc func(ctx context.Context, cmd string) (*Result, error)
}

func (f *fakeChannel) Exec(ctx context.Context, cmd string) (*Result, error) {
	return f.execFunc(ctx, cmd)
}
func (f *fakeChannel) SendFile(ctx context.Context, local, remote string) error { return nil }
func (f *fakeChannel) CopyBack(ctx context.Context, remote, local string) error { return nil }

func TestExec_SucceedsOnFirstAttempt(t *testing.T) {
	h := New(func(ctx context.Context) (Channel, error) {
		return &fakeChannel{execFunc: func(ctx context.Context, cmd string) (*Result, error) {
			return &Result{ReturnCode: 0, Stdout: "ok"}, nil
		}}, nil
	}, 3, 2*time.Second)

	result, err := h.Exec(context.Background(), "echo hi", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stdout != "ok" {
		t.Errorf("Stdout = %q, want ok", result.Stdout)
	}
}

func TestExec_RetriesThenTransportError(t *testing.T) {
	attempts := 0
	h := New(func(ctx context.Context) (Channel, error) {
		attempts++
		return &fakeChannel{execFunc: func(ctx context.Context, cmd string) (*Result, error) {
			return nil, errors.New("connection refused")
		}}, nil
	}, 3, 100*time.Millisecond)

	_, err := h.Exec(context.Background(), "echo hi", 0, 0)
	if !errors.Is(err, ErrTransportError) {
		t.Fatalf("expected ErrTransportError, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestExec_TimeoutClassifiedSeparately(t *testing.T) {
	h := New(func(ctx context.Context) (Channel, error) {
		return &fakeChannel{execFunc: func(ctx context.Context, cmd string) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}, nil
	}, 1, 10*time.Millisecond)

	_, err := h.Exec(context.Background(), "sleep 10", 1, 10*time.Millisecond)
	if !errors.Is(err, ErrTransportTimeout) {
		t.Fatalf("expected ErrTransportTimeout, got %v", err)
	}
}

func TestClose_IsNoop(t *testing.T) {
	h := New(nil, 1, time.Second)
	if err := h.Close(); err != nil {
		t.Errorf("Close() should be a no-op, got %v", err)
	}
}
