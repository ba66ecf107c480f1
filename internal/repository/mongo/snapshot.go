package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const snapshotCollection = "chat_snapshots"

type snapshotDoc struct {
	UserID  string    `bson:"_id"`
	Payload string    `bson:"payload"`
	SavedAt time.Time `bson:"saved_at"`
}

// SnapshotStore implements chatstate.Persister on a MongoDB collection
type SnapshotStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Connect dials MongoDB and verifies the connection
func Connect(ctx context.Context, uri, database string) (*SnapshotStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &SnapshotStore{
		client: client,
		coll:   client.Database(database).Collection(snapshotCollection),
	}, nil
}

func (s *SnapshotStore) Load(ctx context.Context, userID string) (*chatstate.Snapshot, error) {
	var doc snapshotDoc
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return chatstate.DecodeSnapshot([]byte(doc.Payload))
}

func (s *SnapshotStore) Save(ctx context.Context, userID string, snap *chatstate.Snapshot) error {
	data, err := chatstate.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	doc := snapshotDoc{UserID: userID, Payload: string(data), SavedAt: snap.SavedAt.UTC()}
	_, err = s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: userID}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *SnapshotStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
