package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trustbond-server/consensus"
	"trustbond-server/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type EventType string

const (
	EventVoteAdded     EventType = "vote_added"
	EventStatusChanged EventType = "status_changed"
)

const channelPrefix = "submission:"

// Event is delivered at least once. Consumers should key side effects on
// Key(), which is identical for repeated deliveries of the same state.
type Event struct {
	ID           string                  `json:"id"`
	Type         EventType               `json:"type"`
	SubmissionID string                  `json:"submissionId"`
	VerifierID   string                  `json:"verifierId,omitempty"`
	Decision     models.VoteDecision     `json:"decision,omitempty"`
	Status       models.SubmissionStatus `json:"status"`
	Reason       string                  `json:"reason,omitempty"`
	Tally        consensus.Tally         `json:"tally"`
	OccurredAt   time.Time               `json:"occurredAt"`
}

func (ev Event) Key() string {
	switch ev.Type {
	case EventVoteAdded:
		return fmt.Sprintf("%s:vote:%s", ev.SubmissionID, ev.VerifierID)
	case EventStatusChanged:
		return fmt.Sprintf("%s:status:%s", ev.SubmissionID, ev.Status)
	}
	return fmt.Sprintf("%s:%s", ev.SubmissionID, ev.ID)
}

func (ev Event) stamp(now time.Time) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now.UTC()
	}
	return ev
}

// StatusEvent rebuilds the status_changed event for a decided submission.
func StatusEvent(submission models.Submission) Event {
	return Event{
		Type:         EventStatusChanged,
		SubmissionID: submission.ID,
		Status:       submission.Status,
		Reason:       submission.RejectionReason,
		Tally: consensus.Tally{
			Approvals:  submission.Approvals,
			Rejections: submission.Rejections,
			Total:      submission.Approvals + submission.Rejections,
		},
	}
}

func SubmissionChannel(submissionID string) string {
	return channelPrefix + submissionID
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

// RedisNotifier fans events out over Redis Pub/Sub, one channel per submission.
type RedisNotifier struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisNotifier(client *redis.Client, log *zap.Logger) *RedisNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisNotifier{client: client, log: log}
}

func (n *RedisNotifier) Publish(ctx context.Context, ev Event) error {
	ev = ev.stamp(time.Now())
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, SubmissionChannel(ev.SubmissionID), payload).Err()
}

// Subscribe streams events for one submission until ctx ends or the
// subscription is closed.
func (n *RedisNotifier) Subscribe(ctx context.Context, submissionID string) (*Subscription, error) {
	return n.subscribe(ctx, n.client.Subscribe(ctx, SubmissionChannel(submissionID)))
}

// SubscribeAll streams events for every submission.
func (n *RedisNotifier) SubscribeAll(ctx context.Context) (*Subscription, error) {
	return n.subscribe(ctx, n.client.PSubscribe(ctx, channelPrefix+"*"))
}

func (n *RedisNotifier) subscribe(ctx context.Context, pubsub *redis.PubSub) (*Subscription, error) {
	// Wait for the subscription to be confirmed so no event published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &Subscription{pubsub: pubsub, events: make(chan Event)}
	go sub.run(ctx, n.log)
	return sub, nil
}

type Subscription struct {
	pubsub *redis.PubSub
	events chan Event
}

func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) Close() error { return s.pubsub.Close() }

func (s *Subscription) run(ctx context.Context, log *zap.Logger) {
	defer close(s.events)

	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn("dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Deduper makes event consumers idempotent: a state key is claimed with
// SETNX before the action runs and released again if the action fails.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewDeduper(client *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{client: client, ttl: ttl, prefix: "event:seen:"}
}

// Handle runs fn unless the event's state was already handled. It reports
// whether fn ran.
func (d *Deduper) Handle(ctx context.Context, ev Event, fn func(context.Context, Event) error) (bool, error) {
	key := d.prefix + ev.Key()
	claimed, err := d.client.SetNX(ctx, key, ev.ID, d.ttl).Result()
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	if err := fn(ctx, ev); err != nil {
		d.client.Del(ctx, key)
		return false, err
	}
	return true, nil
}
