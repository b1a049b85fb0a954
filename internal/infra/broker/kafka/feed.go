// Package kafka carries the chat change feed over a Kafka topic as
// CloudEvents envelopes.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"estatepro/internal/app/policies"
)

const (
	topicBase   = "chat.changes.v1"
	eventType   = "estatepro.chat.change.v1"
	eventSource = "estatepro/chat"
)

// envelope is the CloudEvents 1.0 structured form of a change.
type envelope struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Subject         string          `json:"subject,omitempty"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            policies.Change `json:"data"`
}

func encodeChange(ch policies.Change, now time.Time) ([]byte, map[string]string, error) {
	evt := envelope{
		SpecVersion:     "1.0",
		ID:              uuid.NewString(),
		Type:            eventType,
		Source:          eventSource,
		Subject:         string(ch.Table) + "/" + ch.ConversationID,
		Time:            now.UTC(),
		DataContentType: "application/json",
		Data:            ch,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, nil, err
	}
	headers := map[string]string{
		"content-type": "application/cloudevents+json",
		"ce-type":      eventType,
	}
	return payload, headers, nil
}

func decodeChange(payload []byte) (policies.Change, error) {
	var evt envelope
	if err := json.Unmarshal(payload, &evt); err != nil {
		return policies.Change{}, err
	}
	if evt.Type != eventType {
		return policies.Change{}, fmt.Errorf("unexpected event type %q", evt.Type)
	}
	return evt.Data, nil
}

// GroupFactory opens a consumer group; tests substitute it.
type GroupFactory func(groupID string) (sarama.ConsumerGroup, error)

// Feed publishes every change to one topic keyed by conversation id. Each
// subscription joins its own consumer group at the newest offset, so changes
// made while it is joining are only seen through polling.
type Feed struct {
	producer    *Producer
	newGroup    GroupFactory
	topic       string
	groupPrefix string
	logger      *slog.Logger
	now         func() time.Time
}

type FeedOptions struct {
	TopicPrefix string
	GroupPrefix string
	Logger      *slog.Logger
}

// Topic is <prefix>chat.changes.v1.
func Topic(prefix string) string {
	return prefix + topicBase
}

// BrokerGroups returns a GroupFactory dialing brokers, starting new groups
// at the newest offset.
func BrokerGroups(brokers []string) GroupFactory {
	return func(groupID string) (sarama.ConsumerGroup, error) {
		cfg := sarama.NewConfig()
		cfg.ClientID = clientID
		cfg.Version = sarama.V2_5_0_0
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
		return sarama.NewConsumerGroup(brokers, groupID, cfg)
	}
}

func NewFeed(producer *Producer, groups GroupFactory, opts FeedOptions) *Feed {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSpace(opts.GroupPrefix)
	if prefix == "" {
		prefix = "estatepro-chat"
	}
	return &Feed{
		producer:    producer,
		newGroup:    groups,
		topic:       Topic(opts.TopicPrefix),
		groupPrefix: prefix,
		logger:      logger,
		now:         time.Now,
	}
}

func (f *Feed) Publish(ctx context.Context, ch policies.Change) error {
	payload, headers, err := encodeChange(ch, f.now())
	if err != nil {
		return err
	}
	return f.producer.Publish(ctx, f.topic, ch.ConversationID, payload, headers)
}

func (f *Feed) Subscribe(ctx context.Context, filter policies.FeedFilter, onEvent policies.ChangeHandler) (policies.Subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if f.newGroup == nil {
		return nil, errors.New("kafka: no consumer group factory")
	}
	groupID := f.groupPrefix + "-" + uuid.NewString()
	group, err := f.newGroup(groupID)
	if err != nil {
		return nil, fmt.Errorf("kafka: join %s: %w", groupID, err)
	}
	consumer := &Consumer{
		group:    group,
		handler:  changeHandler{filter: filter, onEvent: onEvent, logger: f.logger},
		onAssign: func(claims map[string][]int32) {
			f.logger.Debug("kafka partitions assigned", "group", groupID, "claims", claims)
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, consumer: consumer, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		if err := consumer.Run(runCtx, []string{f.topic}); err != nil && runCtx.Err() == nil {
			f.logger.Warn("kafka consumer stopped", "group", groupID, "error", err)
		}
	}()
	return sub, nil
}

type changeHandler struct {
	filter  policies.FeedFilter
	onEvent policies.ChangeHandler
	logger  *slog.Logger
}

func (h changeHandler) Handle(_ context.Context, msg *sarama.ConsumerMessage) error {
	ch, err := decodeChange(msg.Value)
	if err != nil {
		h.logger.Warn("kafka change undecodable", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return err
	}
	if h.filter.Matches(ch) {
		h.onEvent(ch)
	}
	return nil
}

type subscription struct {
	once     sync.Once
	cancel   context.CancelFunc
	consumer *Consumer
	done     chan struct{}
	err      error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.err = s.consumer.Close()
	})
	return s.err
}
