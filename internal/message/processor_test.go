package message

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenLend-Chain/internal/errors"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	fail      error
}

func (f *fakeExecutor) Execute(ctx context.Context, msg *Message) (*Outcome, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		return nil, f.fail
	}
	f.processed.Add(1)
	return &Outcome{Reply: "已处理: " + msg.Text, ActionID: "supply"}, nil
}

func TestProcessorHandlesConcurrentMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		text := fmt.Sprintf("supply %d usdc", i)
		if _, err := service.Submit(ctx, SubmitRequest{Text: text}); err != nil {
			t.Fatalf("提交消息失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(executor.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("消息未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

type fallbackRecovery struct {
	invoked atomic.Int32
}

func (r *fallbackRecovery) Recover(ctx context.Context, msg *Message, cause error) (*Outcome, error) {
	r.invoked.Add(1)
	return &Outcome{Reply: "抱歉，这笔操作暂时无法完成。", Suggestions: []string{"请稍后重试"}}, nil
}

func TestProcessorFallsBackOnNonRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{fail: xerrors.New(xerrors.CodeInvalidArgument, "金额无法解析")}
	recovery := &fallbackRecovery{}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue,
		WithWorkerCount(1),
		WithRecoveryHandler(recovery),
	)

	go func() {
		_ = processor.Start(ctx)
	}()

	msg, err := service.Submit(ctx, SubmitRequest{Text: "supply banana usdc"})
	if err != nil {
		t.Fatalf("提交消息失败: %v", err)
	}

	final, err := service.WaitUntilCompleted(ctx, msg.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("等待消息完成失败: %v", err)
	}
	if final.Status != StatusSucceeded {
		t.Fatalf("expected degraded success, got status %s (last error %q)", final.Status, final.LastError)
	}
	if final.Result == nil || final.Result.Reply != "抱歉，这笔操作暂时无法完成。" {
		t.Fatalf("unexpected degraded result: %+v", final.Result)
	}
	if recovery.invoked.Load() == 0 {
		t.Fatal("expected recovery handler to run")
	}
}
