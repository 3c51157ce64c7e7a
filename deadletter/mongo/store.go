// Package mongo provides a MongoDB implementation of deadletter.Store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/mailbus/codec"
	"github.com/rbaliyan/mailbus/deadletter"
	"github.com/rbaliyan/mailbus/event"
)

var _ deadletter.Store = (*Store)(nil)

// Store implements deadletter.Store using MongoDB. Each entry is one document
// holding the event in codec form.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	serializer codec.Serializer
	opts       *options
	connected  int32
	logger     *slog.Logger
}

type entryDoc struct {
	ID          bson.ObjectID `bson:"_id"`
	Group       string        `bson:"group"`
	InsertionID string        `bson:"insertion_id"`
	EventID     string        `bson:"event_id"`
	Payload     string        `bson:"payload"`
	CreatedAt   time.Time     `bson:"created_at"`
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collection and indexes.
func New(client *mongo.Client, serializer codec.Serializer, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client:     client,
		serializer: serializer,
		opts:       o,
		logger:     o.logger,
	}
}

// Open connects a client to uri.
func Open(uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(mongoopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return client, nil
}

// Connect initializes the collection and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 1 {
		return deadletter.ErrAlreadyConnected
	}
	if s.client == nil || s.serializer == nil {
		return fmt.Errorf("mongo: client and serializer are required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.collection = s.client.Database(s.opts.database).Collection(s.opts.collection)
	if err := s.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	atomic.StoreInt32(&s.connected, 1)
	s.logger.Info("connected to MongoDB", "database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				bson.E{Key: "group", Value: 1},
				bson.E{Key: "insertion_id", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
		{Keys: bson.D{
			bson.E{Key: "group", Value: 1},
			bson.E{Key: "_id", Value: 1},
		}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return deadletter.ErrNotConnected
	}
	return nil
}

func (s *Store) Store(ctx context.Context, group event.Group, ev event.Event) (deadletter.InsertionID, error) {
	if err := s.checkConnected(); err != nil {
		return "", err
	}
	if group == "" {
		return "", event.ErrInvalidGroup
	}
	payload, err := s.serializer.Serialize(ev)
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	id := deadletter.NewInsertionID()
	doc := entryDoc{
		ID:          bson.NewObjectID(),
		Group:       group.AsString(),
		InsertionID: id.String(),
		EventID:     ev.EventID().String(),
		Payload:     string(payload),
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("insert dead letter: %w", err)
	}
	return id, nil
}

func (s *Store) Failed(ctx context.Context, group event.Group, id deadletter.InsertionID) (event.Event, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc entryDoc
	filter := bson.M{"group": group.AsString(), "insertion_id": id.String()}
	if err := s.collection.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, deadletter.ErrNotFound
		}
		return nil, fmt.Errorf("find dead letter: %w", err)
	}
	ev, err := s.serializer.Deserialize([]byte(doc.Payload))
	if err != nil {
		return nil, fmt.Errorf("deserialize dead letter %s: %w", id, err)
	}
	return ev, nil
}

func (s *Store) FailedIDs(ctx context.Context, group event.Group) ([]deadletter.InsertionID, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	findOpts := mongoopts.Find().
		SetSort(bson.D{bson.E{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"insertion_id": 1})
	cursor, err := s.collection.Find(ctx, bson.M{"group": group.AsString()}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find dead letters: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []entryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode dead letters: %w", err)
	}
	ids := make([]deadletter.InsertionID, len(docs))
	for i, d := range docs {
		ids[i] = deadletter.InsertionID(d.InsertionID)
	}
	return ids, nil
}

func (s *Store) GroupsWithFailedEvents(ctx context.Context) ([]event.Group, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var names []string
	if err := s.collection.Distinct(ctx, "group", bson.M{}).Decode(&names); err != nil {
		return nil, fmt.Errorf("distinct groups: %w", err)
	}
	sort.Strings(names)
	groups := make([]event.Group, 0, len(names))
	for _, n := range names {
		g, err := event.ParseGroup(n)
		if err != nil {
			s.logger.Warn("skipping invalid group", "group", n, "error", err)
			continue
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (s *Store) Remove(ctx context.Context, group event.Group, id deadletter.InsertionID) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{"group": group.AsString(), "insertion_id": id.String()}
	if _, err := s.collection.DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

func (s *Store) RemoveGroup(ctx context.Context, group event.Group) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	res, err := s.collection.DeleteMany(ctx, bson.M{"group": group.AsString()})
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	s.logger.Debug("purged dead letters", "group", group.AsString(), "count", res.DeletedCount)
	return nil
}

func (s *Store) ContainEvents(ctx context.Context) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	err := s.collection.FindOne(ctx, bson.M{}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find dead letter: %w", err)
	}
	return true, nil
}
