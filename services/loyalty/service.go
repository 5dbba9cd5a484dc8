package loyalty

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service enqueues loyalty pipeline tasks. The HTTP layer hands events here
// and returns immediately; all processing happens in the asynq workers.
type Service struct {
	client *asynq.Client
}

type ServiceParams struct {
	fx.In
	Client *asynq.Client
}

func NewService(p ServiceParams) *Service {
	return &Service{client: p.Client}
}

func (s *Service) EnqueueOrder(ctx context.Context, payload ProcessOrderPayload) error {
	if payload.TraceID == "" {
		payload.TraceID = trace.SpanFromContext(ctx).SpanContext().TraceID().String()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	info, err := s.client.EnqueueContext(ctx,
		asynq.NewTask(TaskProcessOrder, raw),
		asynq.Queue("critical"),
	)
	if err != nil {
		return err
	}

	zap.L().Info("order event enqueued",
		zap.String("order_id", payload.Order.OrderID),
		zap.String("task_id", info.ID))
	return nil
}

func (s *Service) EnqueueRegistration(ctx context.Context, payload ProcessRegistrationPayload) error {
	if payload.TraceID == "" {
		payload.TraceID = trace.SpanFromContext(ctx).SpanContext().TraceID().String()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	info, err := s.client.EnqueueContext(ctx,
		asynq.NewTask(TaskProcessRegistration, raw),
		asynq.Queue("default"),
	)
	if err != nil {
		return err
	}

	zap.L().Info("registration enqueued", zap.String("task_id", info.ID))
	return nil
}
