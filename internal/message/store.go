package message

import (
	"context"

	xerrors "OpenLend-Chain/internal/errors"
)

// Store 抽象了消息状态的持久化接口。
type Store interface {
	Create(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	Claim(ctx context.Context, id string) (*Message, error)
	MarkSucceeded(ctx context.Context, id string, result Outcome) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Message, error)
	Stats(ctx context.Context, opts ListOptions) (MessageStats, error)
	Close() error
}
