package services

import (
	"context"
	"encoding/json"

	"trustbond-server/models"

	"go.uber.org/zap"
)

type AuditSink interface {
	Record(ctx context.Context, entry *models.AuditLog) error
}

// EventHandler is a deduplicating consumer step; Deduper satisfies it.
type EventHandler interface {
	Handle(ctx context.Context, ev Event, fn func(context.Context, Event) error) (bool, error)
}

// DecisionAuditor writes one audit row per final decision, however many
// times the status_changed event is delivered.
type DecisionAuditor struct {
	sink  AuditSink
	dedup EventHandler
	log   *zap.Logger
}

func NewDecisionAuditor(sink AuditSink, dedup EventHandler, log *zap.Logger) *DecisionAuditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &DecisionAuditor{sink: sink, dedup: dedup, log: log}
}

// Run consumes events until the channel closes or ctx ends.
func (a *DecisionAuditor) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := a.Consume(ctx, ev); err != nil {
				a.log.Error("failed to audit decision", zap.String("submission", ev.SubmissionID), zap.Error(err))
			}
		}
	}
}

func (a *DecisionAuditor) Consume(ctx context.Context, ev Event) (bool, error) {
	if ev.Type != EventStatusChanged {
		return false, nil
	}
	return a.dedup.Handle(ctx, ev, a.record)
}

func (a *DecisionAuditor) record(ctx context.Context, ev Event) error {
	after, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return a.sink.Record(ctx, &models.AuditLog{
		Action:       "submission." + string(ev.Status),
		ResourceType: "submission",
		ResourceID:   ev.SubmissionID,
		AfterJSON:    after,
	})
}
