package loyalty

import (
	"context"
	"encoding/json"
	"fmt"

	"loyalty-engine/pkg/errutil"
	"loyalty-engine/services/campaign"
	"loyalty-engine/services/condition"
	"loyalty-engine/services/ledger"
	"loyalty-engine/services/member"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Task carries the background order and registration pipelines. Handlers are
// idempotent end to end: a redelivered order event hits the ledger's
// duplicate-order guard and the enrollment uniqueness constraint.
type Task struct {
	ledger  *ledger.Service
	member  *member.Service
	matcher *campaign.Matcher
}

type TaskParams struct {
	fx.In

	Ledger  *ledger.Service
	Member  *member.Service
	Matcher *campaign.Matcher
}

func NewTask(p TaskParams) *Task {
	return &Task{
		ledger:  p.Ledger,
		member:  p.Member,
		matcher: p.Matcher,
	}
}

func (t *Task) HandleProcessOrder(ctx context.Context, task *asynq.Task) error {
	var payload ProcessOrderPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	order := &payload.Order

	zapLog := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("tenant_id", payload.TenantID),
		zap.String("order_id", order.OrderID),
		zap.String("trace_id", payload.TraceID),
	)
	zapLog.Info("processing order event")

	// An order without identity skips the earn; a lookup failure is returned
	// so the event is redelivered instead of acked with the points lost.
	memberID, err := t.resolveMember(ctx, payload.TenantID, order)
	if err != nil {
		zapLog.Error("failed to resolve member", zap.Error(err))
		return err
	}
	if memberID == "" {
		zapLog.Info("order has no member identity, skipping earn")
	}

	program, err := t.ledger.ActiveProgram(ctx, payload.TenantID)
	if err != nil {
		if errutil.HasStatus(err, errutil.StatusNotFound) {
			zapLog.Info("no active program, nothing to do")
			return nil
		}
		return err
	}

	if memberID != "" {
		if _, err := t.ledger.ProvisionStatus(ctx, ledger.ProvisionParams{
			TenantID:  payload.TenantID,
			MemberID:  memberID,
			ProgramID: program.ID,
		}); err != nil {
			zapLog.Error("failed to provision loyalty status", zap.Error(err))
			return err
		}

		_, err = t.ledger.Earn(ctx, ledger.EarnParams{
			TenantID:    payload.TenantID,
			MemberID:    memberID,
			ProgramID:   program.ID,
			OrderID:     order.OrderID,
			Amount:      order.TotalPrice,
			Description: fmt.Sprintf("Points for order %s", order.OrderID),
		})
		switch {
		case err == nil:
		case errutil.HasStatus(err, errutil.StatusConflict):
			// Redelivery of an already processed order.
			zapLog.Info("order already earned, continuing")
		default:
			zapLog.Error("failed to earn points", zap.Error(err))
			return err
		}
	}

	// Unknown condition kinds pass on this path so rules authored against a
	// newer vocabulary do not disqualify every order.
	if _, err := t.matcher.EvaluateOrder(ctx, campaign.EvaluateParams{
		TenantID: payload.TenantID,
		MemberID: memberID,
		Order:    order,
		Policy:   condition.FailOpen,
	}); err != nil {
		zapLog.Error("failed to evaluate campaign rules", zap.Error(err))
		return err
	}

	zapLog.Info("order event processed")
	return nil
}

func (t *Task) HandleProcessRegistration(ctx context.Context, task *asynq.Task) error {
	var payload ProcessRegistrationPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("tenant_id", payload.TenantID),
		zap.String("trace_id", payload.TraceID),
	)
	zapLog.Info("processing registration")

	m, _, err := t.member.Register(ctx, member.RegisterParams{
		TenantID:     payload.TenantID,
		Email:        payload.Email,
		Phone:        payload.Phone,
		FirstName:    payload.FirstName,
		LastName:     payload.LastName,
		ReferralCode: payload.ReferralCode,
	})
	if err != nil {
		if errutil.HasStatus(err, errutil.StatusValidationFailed) {
			zapLog.Warn("registration payload invalid, dropping", zap.Error(err))
			return nil
		}
		zapLog.Error("failed to register member", zap.Error(err))
		return err
	}

	zapLog.Info("registration processed", zap.String("member_id", m.ID))
	return nil
}

func (t *Task) resolveMember(ctx context.Context, tenantID string, order *condition.Order) (string, error) {
	if order.Customer.Email == "" && order.Customer.Phone == "" {
		return "", nil
	}

	m, err := t.member.FindOrCreate(ctx, member.FindOrCreateParams{
		TenantID: tenantID,
		Email:    order.Customer.Email,
		Phone:    order.Customer.Phone,
	})
	if err != nil {
		return "", err
	}
	return m.ID, nil
}
