package escrow

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/mbd888/escrownow/internal/pagination"
)

const transactionsCollection = "transactions"

// MongoStore persists transactions as MongoDB documents with the message
// log embedded as an array.
type MongoStore struct {
	coll *mongo.Collection
}

// ConnectMongo dials uri, verifies the primary is reachable and returns a
// store bound to database.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}

	store := NewMongoStore(cli.Database(database))
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

// NewMongoStore creates a store over an existing database handle.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(transactionsCollection)}
}

// EnsureIndexes creates the listing indexes if missing.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "creator_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "partner_email", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "partner_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
	})
	return err
}

// Disconnect closes the underlying client.
func (m *MongoStore) Disconnect(ctx context.Context) error {
	return m.coll.Database().Client().Disconnect(ctx)
}

type messageDoc struct {
	ID        string    `bson:"id"`
	SenderID  string    `bson:"sender_id"`
	Text      string    `bson:"text"`
	Timestamp time.Time `bson:"timestamp"`
}

type transactionDoc struct {
	ID                   string       `bson:"_id"`
	Title                string       `bson:"title"`
	Description          string       `bson:"description"`
	Amount               string       `bson:"amount"`
	Commission           string       `bson:"commission"`
	Currency             string       `bson:"currency"`
	CreatorID            string       `bson:"creator_id"`
	CreatorEmail         string       `bson:"creator_email"`
	CreatorRole          string       `bson:"creator_role"`
	PartnerEmail         string       `bson:"partner_email"`
	PartnerID            string       `bson:"partner_id,omitempty"`
	Status               string       `bson:"status"`
	InspectionPeriodDays int          `bson:"inspection_period_days"`
	DisputeReason        string       `bson:"dispute_reason,omitempty"`
	Resolution           string       `bson:"resolution,omitempty"`
	Messages             []messageDoc `bson:"messages"`
	CreatedAt            time.Time    `bson:"created_at"`
	UpdatedAt            time.Time    `bson:"updated_at"`
}

func toDoc(tx *Transaction) transactionDoc {
	msgs := make([]messageDoc, 0, len(tx.Messages))
	for _, m := range tx.Messages {
		msgs = append(msgs, messageDoc(m))
	}
	return transactionDoc{
		ID:                   tx.ID,
		Title:                tx.Title,
		Description:          tx.Description,
		Amount:               tx.Amount,
		Commission:           tx.Commission,
		Currency:             tx.Currency,
		CreatorID:            tx.CreatorID,
		CreatorEmail:         tx.CreatorEmail,
		CreatorRole:          string(tx.CreatorRole),
		PartnerEmail:         tx.PartnerEmail,
		PartnerID:            tx.PartnerID,
		Status:               string(tx.Status),
		InspectionPeriodDays: tx.InspectionPeriodDays,
		DisputeReason:        tx.DisputeReason,
		Resolution:           tx.Resolution,
		Messages:             msgs,
		CreatedAt:            tx.CreatedAt,
		UpdatedAt:            tx.UpdatedAt,
	}
}

func (d transactionDoc) toTransaction() *Transaction {
	tx := &Transaction{
		ID:                   d.ID,
		Title:                d.Title,
		Description:          d.Description,
		Amount:               d.Amount,
		Commission:           d.Commission,
		Currency:             d.Currency,
		CreatorID:            d.CreatorID,
		CreatorEmail:         d.CreatorEmail,
		CreatorRole:          Role(d.CreatorRole),
		PartnerEmail:         d.PartnerEmail,
		PartnerID:            d.PartnerID,
		Status:               Status(d.Status),
		InspectionPeriodDays: d.InspectionPeriodDays,
		DisputeReason:        d.DisputeReason,
		Resolution:           d.Resolution,
		CreatedAt:            d.CreatedAt.UTC(),
		UpdatedAt:            d.UpdatedAt.UTC(),
	}
	for _, m := range d.Messages {
		msg := Message(m)
		msg.Timestamp = msg.Timestamp.UTC()
		tx.Messages = append(tx.Messages, msg)
	}
	return tx
}

func (m *MongoStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := m.coll.InsertOne(ctx, toDoc(tx))
	return err
}

func (m *MongoStore) Get(ctx context.Context, id string) (*Transaction, error) {
	var doc transactionDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toTransaction(), nil
}

func (m *MongoStore) CompareAndSwapStatus(ctx context.Context, id string, from, to Status, change StatusChange) (*Transaction, error) {
	at := change.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	set := bson.M{"status": string(to), "updated_at": at}
	if change.PartnerID != "" {
		set["partner_id"] = change.PartnerID
	}
	if change.DisputeReason != "" {
		set["dispute_reason"] = change.DisputeReason
	}
	if change.Resolution != "" {
		set["resolution"] = change.Resolution
	}

	var doc transactionDoc
	err := m.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": string(from)},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := m.coll.CountDocuments(ctx, bson.M{"_id": id})
		if cerr != nil {
			return nil, cerr
		}
		if n == 0 {
			return nil, ErrTransactionNotFound
		}
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, err
	}
	return doc.toTransaction(), nil
}

func (m *MongoStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	res, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$push": bson.M{"messages": messageDoc(msg)}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (m *MongoStore) ListByParty(ctx context.Context, who Identity, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	party := bson.A{bson.M{"creator_id": who.ID}, bson.M{"partner_id": who.ID}}
	if email := normalizeEmail(who.Email); email != "" {
		party = append(party, bson.M{"partner_email": email, "partner_id": bson.M{"$in": bson.A{nil, ""}}})
	}
	filter := bson.M{"$or": party}
	if after != nil {
		filter = bson.M{"$and": bson.A{
			bson.M{"$or": party},
			bson.M{"$or": bson.A{
				bson.M{"created_at": bson.M{"$lt": after.CreatedAt}},
				bson.M{"created_at": after.CreatedAt, "_id": bson.M{"$lt": after.ID}},
			}},
		}}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetProjection(bson.M{"messages": 0}).
		SetLimit(int64(limit))

	curs, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []transactionDoc
	if err := curs.All(ctx, &docs); err != nil {
		return nil, err
	}

	result := make([]*Transaction, 0, len(docs))
	for _, d := range docs {
		result = append(result, d.toTransaction())
	}
	return result, nil
}

func (m *MongoStore) Ping(ctx context.Context) error {
	return m.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// Compile-time assertion that MongoStore implements Store.
var _ Store = (*MongoStore)(nil)
