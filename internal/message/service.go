package message

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenLend-Chain/internal/errors"
	"OpenLend-Chain/pkg/logger"
)

// SubmitRequest 描述用户提交的一条会话消息。
type SubmitRequest struct {
	ID       string
	UserID   string
	Address  string
	Text     string
	Metadata map[string]string
}

// Service 负责消息的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造消息服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一条新消息并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Message, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, xerrors.New(CodeMessageValidation, "消息内容不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "消息服务未初始化")
	}

	messageID := strings.TrimSpace(req.ID)
	if messageID != "" {
		msg, err := s.store.Get(ctx, messageID)
		if err == nil {
			return msg, nil
		}
		if !stdErrors.Is(err, ErrMessageNotFound) {
			return nil, err
		}
	} else {
		messageID = uuid.NewString()
	}

	var metadata map[string]any
	if req.Metadata != nil {
		metadata = make(map[string]any, len(req.Metadata))
		for key, value := range req.Metadata {
			metadata[key] = value
		}
	}

	msg := &Message{
		ID:         messageID,
		UserID:     req.UserID,
		Address:    req.Address,
		Text:       req.Text,
		Metadata:   metadata,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, msg); err != nil {
		if stdErrors.Is(err, ErrMessageConflict) {
			existing, getErr := s.store.Get(ctx, messageID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrMessageNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, messageID); err != nil {
		logger.L().Error("消息入队失败", slog.Any("error", err), slog.String("message_id", messageID))
		wrapped := xerrors.Wrap(CodeMessagePublish, err, "发布消息到队列失败")
		_ = s.store.MarkFailed(ctx, messageID, CodeMessagePublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("消息入队成功",
		slog.String("message_id", messageID),
		slog.String("user_id", msg.UserID),
		slog.String("address", msg.Address),
		slog.Int("max_retries", msg.MaxRetries),
	)
	return msg, nil
}

// Get 返回指定消息的状态。
func (s *Service) Get(ctx context.Context, id string) (*Message, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "消息存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的消息列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Message, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "消息存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的消息统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (MessageStats, error) {
	if s.store == nil {
		return MessageStats{}, xerrors.New(xerrors.CodeInitializationFailure, "消息存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询消息状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Message, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		msg, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if msg.Status == StatusSucceeded || msg.Status == StatusFailed {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
