package persistence

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/costbook/pkg/api"
)

// MongoLineageStore keeps lineage events in MongoDB. Sequence numbers come
// from a per-job counter document incremented with $inc. An insert that
// still fails after retries hands its number back, so a job's sequence stays
// gapless as long as its appends are not concurrent.
type MongoLineageStore struct {
	events   *mongo.Collection
	counters *mongo.Collection
}

// Ensure MongoLineageStore implements LineageStore.
var _ LineageStore = (*MongoLineageStore)(nil)

type mongoLineageDoc struct {
	JobID   string `bson:"job_id"`
	Seq     int64  `bson:"seq"`
	At      int64  `bson:"at"`
	Kind    string `bson:"kind"`
	Stage   string `bson:"stage,omitempty"`
	Payload string `bson:"payload,omitempty"`
}

type mongoCounterDoc struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// NewMongoLineageStore creates a Mongo-backed lineage store and its unique
// (job_id, seq) index. dbName defaults to "costbook".
func NewMongoLineageStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoLineageStore, error) {
	if dbName == "" {
		dbName = "costbook"
	}
	db := client.Database(dbName)
	s := &MongoLineageStore{
		events:   db.Collection("lineage_events"),
		counters: db.Collection("lineage_counters"),
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, api.StorageError("mongo: create lineage index", err)
	}
	return s, nil
}

func (s *MongoLineageStore) Append(ctx context.Context, ev api.LineageEvent) (api.LineageEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := encodeJSON(ev.Payload)
	if err != nil {
		return api.LineageEvent{}, err
	}

	var counter mongoCounterDoc
	err = s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": ev.JobID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return api.LineageEvent{}, api.StorageError("mongo: next lineage seq", err)
	}
	ev.Seq = counter.Seq

	doc := mongoLineageDoc{
		JobID:   ev.JobID,
		Seq:     ev.Seq,
		At:      ev.At.UnixNano(),
		Kind:    string(ev.Kind),
		Stage:   ev.Stage,
		Payload: payload,
	}
	if err := s.insert(ctx, doc); err != nil {
		s.releaseSeq(ctx, ev.JobID, ev.Seq)
		return api.LineageEvent{}, api.StorageError("mongo: append lineage event", err)
	}

	if ev.Payload != nil {
		ev.Payload = nil
		if err := decodeJSON(payload, &ev.Payload); err != nil {
			return api.LineageEvent{}, err
		}
	}
	return ev, nil
}

const insertAttempts = 3

// insert retries transient failures. A duplicate key on a retry means an
// earlier attempt was committed even though its reply was lost.
func (s *MongoLineageStore) insert(ctx context.Context, doc mongoLineageDoc) error {
	var err error
	for attempt := 0; attempt < insertAttempts; attempt++ {
		_, err = s.events.InsertOne(ctx, doc)
		switch {
		case err == nil:
			return nil
		case attempt > 0 && mongo.IsDuplicateKeyError(err):
			return nil
		case mongo.IsDuplicateKeyError(err), ctx.Err() != nil:
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

// releaseSeq rolls the counter back from seq, unless a later append has
// already moved it on.
func (s *MongoLineageStore) releaseSeq(ctx context.Context, jobID string, seq int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, _ = s.counters.UpdateOne(ctx,
		bson.M{"_id": jobID, "seq": seq},
		bson.M{"$inc": bson.M{"seq": int64(-1)}},
	)
}

func (s *MongoLineageStore) List(ctx context.Context, jobID string) ([]api.LineageEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cur, err := s.events.Find(ctx, bson.M{"job_id": jobID}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, api.StorageError("mongo: list lineage events", err)
	}
	defer cur.Close(ctx)

	out := []api.LineageEvent{}
	for cur.Next(ctx) {
		var doc mongoLineageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, api.StorageError("mongo: decode lineage event", err)
		}
		ev := api.LineageEvent{
			JobID: doc.JobID,
			Seq:   doc.Seq,
			At:    time.Unix(0, doc.At),
			Kind:  api.EventKind(doc.Kind),
			Stage: doc.Stage,
		}
		if err := decodeJSON(doc.Payload, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := cur.Err(); err != nil {
		return nil, api.StorageError("mongo: list lineage events", err)
	}
	return out, nil
}

func (s *MongoLineageStore) DeleteJob(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.events.DeleteMany(ctx, bson.M{"job_id": jobID}); err != nil {
		return api.StorageError("mongo: delete lineage events", err)
	}
	if _, err := s.counters.DeleteOne(ctx, bson.M{"_id": jobID}); err != nil {
		return api.StorageError("mongo: delete lineage counter", err)
	}
	return nil
}
