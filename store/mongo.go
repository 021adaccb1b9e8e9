package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"
)

// mongoDoc is one key; Value is nil for deleted keys so Version survives deletion
type mongoDoc struct {
	Key       string  `bson:"_id"`
	Value     *string `bson:"value"`
	Version   int64   `bson:"version"`
	ExpiresAt int64   `bson:"expiresAt"`
}

func (d *mongoDoc) live() bool {
	return d.Value != nil && !expired(d.ExpiresAt)
}

// MongoStore implements Store on a single collection.
// Exec runs inside a multi-document transaction, which requires a replica set.
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(connString string) (*MongoStore, error) {
	clientOpts := options.Client().ApplyURI(connString)

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, err
	}

	dbName := "topicq" // default
	if cs, err := connstring.ParseAndValidate(connString); err == nil && cs.Database != "" {
		dbName = cs.Database
	}

	return &MongoStore{db: client.Database(dbName)}, nil
}

func (m *MongoStore) kv() *mongo.Collection {
	return m.db.Collection("kv")
}

// Close disconnects from the MongoDB database
func (m *MongoStore) Close() error {
	if m.db != nil {
		return m.db.Client().Disconnect(context.Background())
	}
	return nil
}

func (m *MongoStore) Get(ctx context.Context, key string) (string, error) {
	doc, err := m.find(ctx, key)
	if err != nil {
		return "", err
	}
	if doc == nil || !doc.live() {
		return "", ErrNil
	}
	return *doc.Value, nil
}

func (m *MongoStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return m.set(ctx, key, value, ttl)
}

func (m *MongoStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	_, err := m.kv().UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": keys}},
		bson.M{"$set": bson.M{"value": nil}, "$inc": bson.M{"version": 1}},
	)
	return unavailable(err)
}

func (m *MongoStore) Incr(ctx context.Context, key string) (int64, error) {
	return m.incr(ctx, key)
}

// Watch snapshots key versions and hands fn a Tx bound to one client session
func (m *MongoStore) Watch(ctx context.Context, fn func(Tx) error, keys ...string) error {
	session, err := m.db.Client().StartSession()
	if err != nil {
		return unavailable(err)
	}
	defer session.EndSession(context.Background())

	watched := make(map[string]int64, len(keys))
	for _, key := range keys {
		doc, err := m.find(ctx, key)
		if err != nil {
			return err
		}
		if doc != nil {
			watched[key] = doc.Version
		} else {
			watched[key] = 0
		}
	}

	return fn(&mongoTx{store: m, session: session, watched: watched})
}

func (m *MongoStore) find(ctx context.Context, key string) (*mongoDoc, error) {
	var doc mongoDoc
	err := m.kv().FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &doc, nil
}

func (m *MongoStore) set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := m.kv().UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{
			"$set": bson.M{"value": value, "expiresAt": expiresAt(ttl)},
			"$inc": bson.M{"version": 1},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return unavailable(err)
}

// incr uses an update pipeline so the string value is parsed and rewritten atomically
func (m *MongoStore) incr(ctx context.Context, key string) (int64, error) {
	now := time.Now().UnixMilli()
	gone := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$value", nil}}}, nil}}},
		bson.D{{Key: "$and", Value: bson.A{
			bson.D{{Key: "$gt", Value: bson.A{"$expiresAt", 0}}},
			bson.D{{Key: "$lte", Value: bson.A{"$expiresAt", now}}},
		}}},
	}}}
	current := bson.D{{Key: "$cond", Value: bson.A{gone, "0", "$value"}}}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "expiresAt", Value: bson.D{{Key: "$cond", Value: bson.A{gone, 0, "$expiresAt"}}}},
			{Key: "value", Value: bson.D{{Key: "$toString", Value: bson.D{{Key: "$add", Value: bson.A{
				bson.D{{Key: "$toLong", Value: current}}, 1,
			}}}}}},
			{Key: "version", Value: bson.D{{Key: "$add", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$version", 0}}}, 1,
			}}}},
		}}},
	}

	var doc mongoDoc
	err := m.kv().FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, unavailable(err)
	}
	if doc.Value == nil {
		return 0, fmt.Errorf("value at %s missing after increment", key)
	}
	return strconv.ParseInt(*doc.Value, 10, 64)
}

type mongoTx struct {
	store   *MongoStore
	session *mongo.Session
	watched map[string]int64
	done    bool
}

func (t *mongoTx) Get(ctx context.Context, key string) (string, error) {
	return t.store.Get(ctx, key)
}

func (t *mongoTx) Exec(ctx context.Context, fn func(Pipe) error) ([]Reply, error) {
	if t.done {
		return nil, errWatchReleased
	}
	t.done = true

	pipe := &opPipe{}
	if err := fn(pipe); err != nil {
		return nil, err
	}

	// WithTransaction retries the callback on transient write conflicts; each retry
	// re-checks the versions, so a lost race surfaces as ErrTxFailed
	result, err := t.session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		for key, version := range t.watched {
			doc, err := t.store.find(sc, key)
			if err != nil {
				return nil, err
			}
			var current int64
			if doc != nil {
				current = doc.Version
			}
			if current != version {
				return nil, ErrTxFailed
			}
		}

		replies := make([]Reply, 0, len(pipe.ops))
		for _, o := range pipe.ops {
			if o.incr {
				n, err := t.store.incr(sc, o.key)
				if err != nil {
					return nil, err
				}
				replies = append(replies, Reply{Int: n})
				continue
			}
			if err := t.store.set(sc, o.key, o.value, o.ttl); err != nil {
				return nil, err
			}
			replies = append(replies, Reply{Str: "OK"})
		}
		return replies, nil
	})
	if err != nil {
		if errors.Is(err, ErrTxFailed) {
			return nil, err
		}
		var serverErr mongo.ServerError
		if errors.As(err, &serverErr) &&
			(serverErr.HasErrorLabel("TransientTransactionError") || serverErr.HasErrorCode(112)) {
			return nil, ErrTxFailed
		}
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, unavailable(err)
	}
	return result.([]Reply), nil
}
