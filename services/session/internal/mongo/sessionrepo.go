package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/appetiteclub/bartab/services/session/internal/session"
	"github.com/aquamarinepk/aqm"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "sessions"

// SessionRepo is the MongoDB session store. Writes are compare-and-set on the
// document revision so two processes never overwrite each other silently.
type SessionRepo struct {
	client     *mongo.Client
	db         *mongo.Database
	collection *mongo.Collection
	logger     aqm.Logger
	config     *aqm.Config
}

var _ session.Store = (*SessionRepo)(nil)

func NewSessionRepo(config *aqm.Config, logger aqm.Logger) *SessionRepo {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &SessionRepo{
		logger: logger,
		config: config,
	}
}

func (r *SessionRepo) Start(ctx context.Context) error {
	mongoURL, _ := r.config.GetString("db.mongo.url")
	if mongoURL == "" {
		mongoURL = "mongodb://localhost:27017"
	}

	dbName, _ := r.config.GetString("db.mongo.name")
	if dbName == "" {
		dbName = "bartab_session"
	}

	clientOptions := options.Client().ApplyURI(mongoURL).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("cannot connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("cannot ping MongoDB: %w", err)
	}

	r.client = client
	r.db = client.Database(dbName)
	r.collection = r.db.Collection(collectionName)

	ttl := session.DefaultTTL
	if raw, ok := r.config.GetString("store.ttl"); ok && raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			ttl = parsed
		} else {
			r.logger.Info("invalid store.ttl, using default", "value", raw, "default", ttl.String())
		}
	}

	ttlIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "updated_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds())),
	}
	if _, err := r.collection.Indexes().CreateOne(ctx, ttlIndex); err != nil {
		return fmt.Errorf("cannot create updated_at ttl index: %w", err)
	}

	reconcileIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "payment.needs_reconciliation", Value: 1}},
	}
	if _, err := r.collection.Indexes().CreateOne(ctx, reconcileIndex); err != nil {
		return fmt.Errorf("cannot create needs_reconciliation index: %w", err)
	}

	r.logger.Infof("Connected to MongoDB: %s, database: %s, collection: %s", mongoURL, dbName, collectionName)
	return nil
}

func (r *SessionRepo) GetDatabase() *mongo.Database {
	return r.db
}

func (r *SessionRepo) Stop(ctx context.Context) error {
	if r.client != nil {
		if err := r.client.Disconnect(ctx); err != nil {
			return fmt.Errorf("cannot disconnect from MongoDB: %w", err)
		}
		r.logger.Info("Disconnected from MongoDB")
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*session.Document, error) {
	var doc session.Document
	err := r.collection.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("cannot find session: %w", err)
	}
	return session.Migrate(&doc), nil
}

func (r *SessionRepo) Put(ctx context.Context, sessionID string, doc *session.Document) error {
	next := doc.Clone()
	next.SessionID = sessionID
	next.Revision = doc.Revision + 1

	if doc.Revision == 0 {
		if _, err := r.collection.InsertOne(ctx, next); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return conflict(sessionID, "session already exists")
			}
			return fmt.Errorf("cannot insert session: %w", err)
		}
		doc.Revision = next.Revision
		return nil
	}

	filter := bson.M{"_id": sessionID, "revision": doc.Revision}
	result, err := r.collection.ReplaceOne(ctx, filter, next)
	if err != nil {
		return fmt.Errorf("cannot replace session: %w", err)
	}
	if result.MatchedCount == 0 {
		return conflict(sessionID, fmt.Sprintf("revision %d is no longer current", doc.Revision))
	}
	doc.Revision = next.Revision
	return nil
}

func (r *SessionRepo) Delete(ctx context.Context, sessionID string) error {
	if _, err := r.collection.DeleteOne(ctx, bson.M{"_id": sessionID}); err != nil {
		return fmt.Errorf("cannot delete session: %w", err)
	}
	return nil
}

// NeedingReconciliation lists the ids of sessions flagged for reconciliation.
func (r *SessionRepo) NeedingReconciliation(ctx context.Context) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cursor, err := r.collection.Find(ctx, bson.M{"payment.needs_reconciliation": true}, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot list sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("cannot decode session id: %w", err)
		}
		ids = append(ids, row.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return ids, nil
}

func conflict(sessionID, msg string) error {
	return &session.Error{
		Kind:      session.KindConcurrentModification,
		Op:        "mongo.put",
		SessionID: sessionID,
		Msg:       msg,
	}
}
