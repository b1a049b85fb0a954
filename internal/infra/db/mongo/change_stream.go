package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"estatepro/internal/app/policies"
)

// ChangeStreamFeed serves the change feed from MongoDB change streams. It
// needs a replica set; on a standalone server Subscribe fails and views fall
// back to polling.
type ChangeStreamFeed struct {
	db     *mongo.Database
	logger *slog.Logger
}

func NewChangeStreamFeed(db *mongo.Database, logger *slog.Logger) *ChangeStreamFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeStreamFeed{db: db, logger: logger}
}

type changeEvent struct {
	OperationType string   `bson:"operationType"`
	FullDocument  bson.Raw `bson:"fullDocument"`
}

func (f *ChangeStreamFeed) Subscribe(ctx context.Context, filter policies.FeedFilter, onEvent policies.ChangeHandler) (policies.Subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	coll := collMessages
	if filter.Table == policies.TableConversations {
		coll = collConversations
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	watchCtx, cancel := context.WithCancel(ctx)
	stream, err := f.db.Collection(coll).Watch(watchCtx, changePipeline(filter), opts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mongo: watch %s: %w", coll, err)
	}
	sub := &changeStreamSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer stream.Close(context.WithoutCancel(watchCtx))
		for stream.Next(watchCtx) {
			var ev changeEvent
			if err := stream.Decode(&ev); err != nil {
				f.logger.Warn("mongo change event undecodable", "collection", coll, "error", err)
				continue
			}
			onEvent(toChange(filter.Table, ev))
		}
		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) && watchCtx.Err() == nil {
			f.logger.Warn("mongo change stream ended", "collection", coll, "error", err)
		}
	}()
	return sub, nil
}

func changePipeline(filter policies.FeedFilter) mongo.Pipeline {
	match := bson.D{{Key: "operationType", Value: bson.M{"$in": bson.A{"insert", "update", "replace"}}}}
	if filter.ConversationID != "" {
		key := "fullDocument.conversation_id"
		if filter.Table == policies.TableConversations {
			key = "fullDocument._id"
		}
		match = append(match, bson.E{Key: key, Value: filter.ConversationID})
	}
	if filter.ParticipantID != "" {
		match = append(match, bson.E{Key: "fullDocument.participants", Value: filter.ParticipantID})
	}
	return mongo.Pipeline{{{Key: "$match", Value: match}}}
}

// toChange converts the full document into the JSON row shape. A document
// that does not decode is forwarded as extended JSON so the subscriber
// reports it as malformed.
func toChange(table policies.Table, ev changeEvent) policies.Change {
	op := policies.OpUpdate
	if ev.OperationType == "insert" {
		op = policies.OpInsert
	}
	var (
		row            any
		conversationID string
		participants   []string
		decodeErr      error
	)
	switch table {
	case policies.TableConversations:
		var doc conversationDocument
		if decodeErr = bson.Unmarshal(ev.FullDocument, &doc); decodeErr == nil {
			row, conversationID, participants = doc.toDomain(), doc.ID, doc.Participants
		}
	default:
		var doc messageDocument
		if decodeErr = bson.Unmarshal(ev.FullDocument, &doc); decodeErr == nil {
			row, conversationID, participants = doc.toDomain(), doc.ConversationID, doc.Participants
		}
	}
	if decodeErr == nil {
		if ch, err := policies.NewRowChange(table, op, conversationID, participants, row); err == nil {
			return ch
		}
	}
	raw, err := bson.MarshalExtJSON(ev.FullDocument, false, false)
	if err != nil {
		raw = []byte("null")
	}
	return policies.Change{Table: table, Op: op, Row: json.RawMessage(raw)}
}

type changeStreamSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *changeStreamSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
