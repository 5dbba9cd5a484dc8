package campaign

import (
	"context"
	"encoding/json"
	"time"

	"loyalty-engine/pkg/repository"
	"loyalty-engine/services/condition"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EvaluationResult string

const (
	ResultExcluded        EvaluationResult = "excluded"
	ResultMatched         EvaluationResult = "matched"
	ResultNotMatched      EvaluationResult = "not_matched"
	ResultNoMember        EvaluationResult = "no_member"
	ResultAlreadyEnrolled EvaluationResult = "already_enrolled"
	ResultMaxReached      EvaluationResult = "max_reached"
	ResultFailed          EvaluationResult = "failed"
)

var evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "campaign_evaluations_total",
	Help: "Campaign rule evaluations by outcome.",
}, []string{"result"})

// EvaluationRecord is the persisted audit row for a single (rule, order)
// evaluation.
type EvaluationRecord struct {
	ID           string           `gorm:"column:id"`
	TenantID     string           `gorm:"column:tenant_id;index"`
	RuleID       string           `gorm:"column:rule_id"`
	OrderID      string           `gorm:"column:order_id;index"`
	MemberID     string           `gorm:"column:member_id"`
	MembershipID string           `gorm:"column:membership_id"`
	Result       EvaluationResult `gorm:"column:result"`
	Reason       string           `gorm:"column:reason"`
	Traces       datatypes.JSON   `gorm:"column:traces"`
	CreatedAt    time.Time        `gorm:"column:created_at"`
}

// Evaluation is the in-memory audit record before persistence.
type Evaluation struct {
	TenantID     string
	RuleID       string
	OrderID      string
	MemberID     string
	MembershipID string
	Result       EvaluationResult
	Reason       string
	Matched      []condition.Trace
	Failed       []condition.Trace
}

// Sink receives one record per rule evaluation. Sink failures must never
// fail the evaluation itself.
type Sink interface {
	Record(ctx context.Context, ev Evaluation)
}

// AuditSink logs every evaluation, persists it, and bumps the outcome
// counter.
type AuditSink struct {
	node    *snowflake.Node
	records repository.Repository[EvaluationRecord]
}

func NewAuditSink(db *gorm.DB, node *snowflake.Node) Sink {
	return &AuditSink{
		node:    node,
		records: repository.ProvideStore[EvaluationRecord](db),
	}
}

func (s *AuditSink) Record(ctx context.Context, ev Evaluation) {
	evaluationsTotal.WithLabelValues(string(ev.Result)).Inc()

	zap.L().Info("campaign rule evaluated",
		zap.String("tenant_id", ev.TenantID),
		zap.String("rule_id", ev.RuleID),
		zap.String("order_id", ev.OrderID),
		zap.String("member_id", ev.MemberID),
		zap.String("result", string(ev.Result)),
		zap.String("reason", ev.Reason),
		zap.Int("matched", len(ev.Matched)),
		zap.Int("failed", len(ev.Failed)))

	traces, err := json.Marshal(map[string][]condition.Trace{
		"matched": ev.Matched,
		"failed":  ev.Failed,
	})
	if err != nil {
		traces = nil
	}

	record := &EvaluationRecord{
		ID:           s.node.Generate().String(),
		TenantID:     ev.TenantID,
		RuleID:       ev.RuleID,
		OrderID:      ev.OrderID,
		MemberID:     ev.MemberID,
		MembershipID: ev.MembershipID,
		Result:       ev.Result,
		Reason:       ev.Reason,
		Traces:       datatypes.JSON(traces),
		CreatedAt:    time.Now(),
	}
	if err := s.records.Create(ctx, record); err != nil {
		zap.L().Error("failed to persist evaluation record", zap.Error(err))
	}
}
