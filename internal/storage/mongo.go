package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/lvbu1984/spotd/internal/lifecycle"
)

// bsonResource is the BSON representation of a resource.
type bsonResource struct {
	ID            string    `bson:"_id"`
	Name          string    `bson:"name"`
	Description   string    `bson:"description"`
	MaxDurationNS int64     `bson:"maxDurationNs"`
	CreatedAt     time.Time `bson:"createdAt"`
}

// bsonLease is the BSON representation of a lease row.
type bsonLease struct {
	LeaseID    string    `bson:"_id"`
	ResourceID string    `bson:"resourceId"`
	Holder     string    `bson:"holder"`
	StartAt    time.Time `bson:"startAt"`
	EndAt      time.Time `bson:"endAt"`
	Active     bool      `bson:"active"`
}

// bsonEntry is keyed by client id: a client waits on at most one resource.
type bsonEntry struct {
	ClientID   string    `bson:"_id"`
	ResourceID string    `bson:"resourceId"`
	Position   int       `bson:"position"`
	EnqueuedAt time.Time `bson:"enqueuedAt"`
}

// MongoStore keeps the tables in MongoDB collections and runs every Update in
// a multi-document transaction (requires a replica set).
//
// Every write also bumps a revision on the resource document and on the
// client document it concerns, so two transactions touching the same resource
// or the same client across processes end in a write conflict instead of a
// lost update. BSON dates carry millisecond precision.
type MongoStore struct {
	client    *mongo.Client
	resources *mongo.Collection
	leases    *mongo.Collection
	waitlist  *mongo.Collection
	clients   *mongo.Collection
}

var (
	_ Store           = (*MongoStore)(nil)
	_ TimePrecisioner = (*MongoStore)(nil)
)

// TimePrecision is the resolution of a BSON date.
func (s *MongoStore) TimePrecision() time.Duration { return time.Millisecond }

// OpenMongo connects to uri and prepares the collections in dbName.
func OpenMongo(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	db := client.Database(dbName)
	s := &MongoStore{
		client:    client,
		resources: db.Collection("resources"),
		leases:    db.Collection("leases"),
		waitlist:  db.Collection("waitlist"),
		clients:   db.Collection("clients"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.leases.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "resourceId", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"active": true}),
		},
		{Keys: bson.D{{Key: "holder", Value: 1}, {Key: "active", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("lease indexes: %w", err)
	}

	_, err = s.waitlist.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "resourceId", Value: 1}, {Key: "position", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("waitlist indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *MongoStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *MongoStore) run(ctx context.Context, readOnly bool, fn func(tx Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return classifyMongo("start session", err)
	}
	defer sess.EndSession(ctx)

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	return mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(txOpts); err != nil {
			return classifyMongo("start transaction", err)
		}

		if err := fn(&mongoTx{ctx: sc, s: s, readOnly: readOnly}); err != nil {
			_ = sess.AbortTransaction(context.WithoutCancel(sc))
			return err
		}
		if readOnly {
			return classifyMongo("end read", sess.AbortTransaction(sc))
		}
		return classifyMongo("commit", sess.CommitTransaction(sc))
	})
}

func (s *MongoStore) SeedResources(ctx context.Context, resources []lifecycle.Resource) error {
	for _, r := range resources {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := s.resources.UpdateOne(ctx,
			bson.M{"_id": r.ID},
			bson.M{
				"$set": bson.M{
					"name":          r.Name,
					"description":   r.Description,
					"maxDurationNs": int64(r.MaxDuration),
				},
				"$setOnInsert": bson.M{"createdAt": createdAt},
			},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return classifyMongo("seed resource "+r.ID, err)
		}
	}
	return nil
}

func classifyMongo(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return Transient(op, err)
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		if se.HasErrorLabel("TransientTransactionError") || se.HasErrorLabel("UnknownTransactionCommitResult") {
			return Transient(op, err)
		}
	}
	if mongo.IsDuplicateKeyError(err) {
		// a concurrent transaction claimed the same slot first
		return Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type mongoTx struct {
	ctx      mongo.SessionContext
	s        *MongoStore
	readOnly bool
}

func (t *mongoTx) touchResource(resourceID string) error {
	res, err := t.s.resources.UpdateOne(t.ctx, bson.M{"_id": resourceID}, bson.M{"$inc": bson.M{"rev": 1}})
	if err != nil {
		return classifyMongo("touch resource", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *mongoTx) touchClient(clientID string) error {
	_, err := t.s.clients.UpdateOne(t.ctx,
		bson.M{"_id": clientID},
		bson.M{"$inc": bson.M{"rev": 1}},
		options.Update().SetUpsert(true),
	)
	return classifyMongo("touch client", err)
}

func (t *mongoTx) touch(resourceID, clientID string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if err := t.touchResource(resourceID); err != nil {
		return err
	}
	return t.touchClient(clientID)
}

func toResource(d bsonResource) lifecycle.Resource {
	return lifecycle.Resource{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		MaxDuration: time.Duration(d.MaxDurationNS),
		CreatedAt:   d.CreatedAt.UTC(),
	}
}

func toLease(d bsonLease) lifecycle.Lease {
	return lifecycle.Lease{
		LeaseID:    d.LeaseID,
		ResourceID: d.ResourceID,
		Holder:     d.Holder,
		StartAt:    d.StartAt.UTC(),
		EndAt:      d.EndAt.UTC(),
		Active:     d.Active,
	}
}

func toEntry(d bsonEntry) lifecycle.WaitlistEntry {
	return lifecycle.WaitlistEntry{
		ResourceID: d.ResourceID,
		ClientID:   d.ClientID,
		Position:   d.Position,
		EnqueuedAt: d.EnqueuedAt.UTC(),
	}
}

func (t *mongoTx) Resource(id string) (*lifecycle.Resource, error) {
	var d bsonResource
	err := t.s.resources.FindOne(t.ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyMongo("get resource", err)
	}
	r := toResource(d)
	return &r, nil
}

func (t *mongoTx) Resources() ([]lifecycle.Resource, error) {
	cur, err := t.s.resources.Find(t.ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, classifyMongo("list resources", err)
	}
	var docs []bsonResource
	if err := cur.All(t.ctx, &docs); err != nil {
		return nil, classifyMongo("decode resources", err)
	}

	out := make([]lifecycle.Resource, 0, len(docs))
	for _, d := range docs {
		out = append(out, toResource(d))
	}
	return out, nil
}

func (t *mongoTx) findLease(op string, filter bson.M) (*lifecycle.Lease, error) {
	var d bsonLease
	err := t.s.leases.FindOne(t.ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "startAt", Value: -1}})).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyMongo(op, err)
	}
	l := toLease(d)
	return &l, nil
}

func (t *mongoTx) findLeases(op string, filter bson.M) ([]lifecycle.Lease, error) {
	cur, err := t.s.leases.Find(t.ctx, filter,
		options.Find().SetSort(bson.D{{Key: "resourceId", Value: 1}}))
	if err != nil {
		return nil, classifyMongo(op, err)
	}
	var docs []bsonLease
	if err := cur.All(t.ctx, &docs); err != nil {
		return nil, classifyMongo(op, err)
	}

	out := make([]lifecycle.Lease, 0, len(docs))
	for _, d := range docs {
		out = append(out, toLease(d))
	}
	return out, nil
}

func (t *mongoTx) ActiveLease(resourceID string, now time.Time) (*lifecycle.Lease, error) {
	return t.findLease("active lease", bson.M{
		"resourceId": resourceID,
		"active":     true,
		"endAt":      bson.M{"$gt": now},
	})
}

func (t *mongoTx) ActiveLeaseByHolder(holder string, now time.Time) (*lifecycle.Lease, error) {
	return t.findLease("active lease by holder", bson.M{
		"holder": holder,
		"active": true,
		"endAt":  bson.M{"$gt": now},
	})
}

func (t *mongoTx) ActiveLeases(now time.Time) ([]lifecycle.Lease, error) {
	return t.findLeases("active leases", bson.M{"active": true, "endAt": bson.M{"$gt": now}})
}

func (t *mongoTx) ExpiredLeases(now time.Time) ([]lifecycle.Lease, error) {
	return t.findLeases("expired leases", bson.M{"active": true, "endAt": bson.M{"$lte": now}})
}

func (t *mongoTx) PutLease(l lifecycle.Lease) error {
	if err := t.touch(l.ResourceID, l.Holder); err != nil {
		return err
	}

	if _, err := t.s.leases.UpdateMany(t.ctx,
		bson.M{"resourceId": l.ResourceID, "active": true, "endAt": bson.M{"$lte": l.StartAt}},
		bson.M{"$set": bson.M{"active": false}},
	); err != nil {
		return classifyMongo("retire expired lease", err)
	}

	_, err := t.s.leases.InsertOne(t.ctx, bsonLease{
		LeaseID:    l.LeaseID,
		ResourceID: l.ResourceID,
		Holder:     l.Holder,
		StartAt:    l.StartAt,
		EndAt:      l.EndAt,
		Active:     l.Active,
	})
	return classifyMongo("insert lease", err)
}

func (t *mongoTx) DeactivateLease(resourceID, holder string) error {
	if err := t.touch(resourceID, holder); err != nil {
		return err
	}
	_, err := t.s.leases.UpdateMany(t.ctx,
		bson.M{"resourceId": resourceID, "holder": holder, "active": true},
		bson.M{"$set": bson.M{"active": false}},
	)
	return classifyMongo("deactivate lease", err)
}

func (t *mongoTx) findEntries(op string, filter bson.M, sort bson.D) ([]lifecycle.WaitlistEntry, error) {
	cur, err := t.s.waitlist.Find(t.ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, classifyMongo(op, err)
	}
	var docs []bsonEntry
	if err := cur.All(t.ctx, &docs); err != nil {
		return nil, classifyMongo(op, err)
	}

	out := make([]lifecycle.WaitlistEntry, 0, len(docs))
	for _, d := range docs {
		out = append(out, toEntry(d))
	}
	return out, nil
}

func (t *mongoTx) findEntry(op string, filter bson.M) (*lifecycle.WaitlistEntry, error) {
	var d bsonEntry
	err := t.s.waitlist.FindOne(t.ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "position", Value: 1}})).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyMongo(op, err)
	}
	e := toEntry(d)
	return &e, nil
}

func (t *mongoTx) Waitlist(resourceID string) ([]lifecycle.WaitlistEntry, error) {
	return t.findEntries("waitlist", bson.M{"resourceId": resourceID}, bson.D{{Key: "position", Value: 1}})
}

func (t *mongoTx) AllWaitlists() ([]lifecycle.WaitlistEntry, error) {
	return t.findEntries("all waitlists", bson.M{},
		bson.D{{Key: "resourceId", Value: 1}, {Key: "position", Value: 1}})
}

func (t *mongoTx) WaitlistEntryByClient(clientID string) (*lifecycle.WaitlistEntry, error) {
	return t.findEntry("waitlist entry by client", bson.M{"_id": clientID})
}

func (t *mongoTx) PeekFirst(resourceID string) (*lifecycle.WaitlistEntry, error) {
	return t.findEntry("peek waitlist", bson.M{"resourceId": resourceID})
}

func (t *mongoTx) Append(resourceID, clientID string, at time.Time) (int, error) {
	if err := t.touch(resourceID, clientID); err != nil {
		return 0, err
	}

	n, err := t.s.waitlist.CountDocuments(t.ctx, bson.M{"resourceId": resourceID})
	if err != nil {
		return 0, classifyMongo("waitlist tail", err)
	}

	pos := int(n) + 1
	_, err = t.s.waitlist.InsertOne(t.ctx, bsonEntry{
		ClientID:   clientID,
		ResourceID: resourceID,
		Position:   pos,
		EnqueuedAt: at,
	})
	if err != nil {
		return 0, classifyMongo("append waitlist", err)
	}
	return pos, nil
}

func (t *mongoTx) Remove(resourceID, clientID string) error {
	if err := t.touch(resourceID, clientID); err != nil {
		return err
	}

	var d bsonEntry
	err := t.s.waitlist.FindOneAndDelete(t.ctx, bson.M{"_id": clientID, "resourceId": resourceID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return classifyMongo("delete waitlist entry", err)
	}

	_, err = t.s.waitlist.UpdateMany(t.ctx,
		bson.M{"resourceId": resourceID, "position": bson.M{"$gt": d.Position}},
		bson.M{"$inc": bson.M{"position": -1}},
	)
	return classifyMongo("compact waitlist", err)
}
