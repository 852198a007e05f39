package message

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenLend-Chain/internal/errors"
	"OpenLend-Chain/internal/observability/alerting"
	"OpenLend-Chain/pkg/logger"
)

// Executor 定义了处理器所需的会话执行能力。
type Executor interface {
	Execute(ctx context.Context, msg *Message) (*Outcome, error)
}

// Processor 负责从队列消费消息并交给执行器处理。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动消息处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置消息消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, messageID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	msg, err := p.store.Claim(ctx, messageID)
	if err != nil {
		if stdErrors.Is(err, ErrMessageNotFound) || stdErrors.Is(err, ErrMessageCompleted) || stdErrors.Is(err, ErrMessageExhausted) {
			p.logDebug("跳过消息", slog.String("message_id", messageID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取消息失败", slog.Any("error", err), slog.String("message_id", messageID))
		p.emitAlert(ctx, &Message{ID: messageID}, CodeMessageProcessing, err, "claim")
		return err
	}

	outcome, execErr := p.executor.Execute(ctx, msg)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, msg, execErr)
	}

	var record Outcome
	if outcome != nil {
		record = *outcome
	}
	if err := p.store.MarkSucceeded(ctx, msg.ID, record); err != nil {
		logger.L().Error("标记消息成功状态失败", slog.Any("error", err), slog.String("message_id", msg.ID))
		if storeErr := p.store.MarkFailed(ctx, msg.ID, CodeMessageProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("message_id", msg.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, msg.ID); pubErr != nil {
			return xerrors.Wrap(CodeMessagePublish, pubErr, fmt.Sprintf("消息 %s 在标记成功失败后重投失败", msg.ID))
		}
		logger.Audit().Warn("消息标记成功失败后重试", append(
			logger.MessageFields(msg.ID, msg.UserID),
			slog.String("error", err.Error()),
		)...)
		return nil
	}
	logger.Audit().Info("消息处理成功", append(
		logger.MessageFields(msg.ID, msg.UserID),
		logger.OperationFields(record.ActionID, record.TxHash)...,
	)...)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, msg *Message, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeMessageProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := msg.Attempts >= msg.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, msg, execErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeMessageCompensate, recErr, "消息补偿失败")
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", wrapped),
				slog.String("message_id", msg.ID))
			p.emitAlert(ctx, msg, CodeMessageCompensate, wrapped, "compensate")
		} else if fallback != nil {
			if fallback.Reply == "" {
				fallback.Reply = fmt.Sprintf("降级处理: %v", execErr)
			}
			if err := p.store.MarkSucceeded(ctx, msg.ID, *fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("message_id", msg.ID))
				if storeErr := p.store.MarkFailed(ctx, msg.ID, code, err.Error(), false); storeErr != nil {
					logger.L().Error("降级失败后的回写失败状态出错", slog.Any("error", storeErr), slog.String("message_id", msg.ID))
					return storeErr
				}
				if pubErr := p.producer.Publish(ctx, msg.ID); pubErr != nil {
					return xerrors.Wrap(CodeMessagePublish, pubErr, fmt.Sprintf("消息 %s 在降级失败后重投失败", msg.ID))
				}
				return nil
			}
			logger.Audit().Warn("消息降级完成", append(
				logger.MessageFields(msg.ID, msg.UserID),
				slog.String("reply", fallback.Reply),
			)...)
			p.emitAlert(ctx, msg, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, msg.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记消息失败状态出错", slog.Any("error", storeErr), slog.String("message_id", msg.ID))
		return storeErr
	}
	logger.Audit().Warn("消息处理失败", append(
		logger.MessageFields(msg.ID, msg.UserID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", msg.Attempts),
		slog.Int("max_retries", msg.MaxRetries),
	)...)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, msg, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, msg.ID); pubErr != nil {
			return xerrors.Wrap(CodeMessagePublish, pubErr, fmt.Sprintf("消息 %s 重投失败", msg.ID))
		}
		p.logDebug("消息已重新排队", slog.String("message_id", msg.ID), slog.Int("attempts", msg.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, msg *Message, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || msg == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	text := attrs.Message
	if cause != nil {
		text = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    text,
		Severity:   attrs.Severity,
		MessageID:  msg.ID,
		Attempts:   msg.Attempts,
		MaxRetries: msg.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("message_id", msg.ID),
			slog.String("stage", stage),
		)
	}
}
