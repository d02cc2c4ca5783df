// Package mongo implements store.Store on MongoDB. Grouped commits use
// multi-document transactions and need a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/bulk"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/store"
)

// Collection name constants.
const (
	colAccounts         = "tally_accounts"
	colTransactions     = "tally_transactions"
	colUsedTransactions = "tally_used_transactions"
	colJobs             = "tally_jobs"
	colBulkGroups       = "tally_bulk_groups"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects to uri and uses database dbName.
func New(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("tally/mongo: ping: %w", err)
	}
	return NewFromClient(client, dbName), nil
}

// NewFromClient wraps a connected client. Close disconnects it.
func NewFromClient(client *mongo.Client, dbName string) *Store {
	return &Store{
		client: client,
		db:     client.Database(dbName),
	}
}

// Database returns the underlying database for direct access.
func (s *Store) Database() *mongo.Database { return s.db }

// Migrate creates indexes for all tally collections. Creating an index also
// creates its collection, which transactions on older servers require.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("tally/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// ==================== Account reads ====================

func (s *Store) GetAccount(ctx context.Context, userID string) (*account.Account, error) {
	return getAccount(ctx, s.db, userID)
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]*account.Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cur, err := s.db.Collection(colTransactions).Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: list transactions: %w", err)
	}
	var models []transactionModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("tally/mongo: list transactions: %w", err)
	}

	result := make([]*account.Transaction, 0, len(models))
	for i := range models {
		t, err := fromTransactionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *Store) ExistsUsedTransaction(ctx context.Context, externalID, provider string) (bool, error) {
	return existsUsed(ctx, s.db, externalID, provider)
}

// ==================== Job Store ====================

func (s *Store) SaveJob(ctx context.Context, r *job.Record) error {
	m := toJobModel(r)
	_, err := s.db.Collection(colJobs).ReplaceOne(ctx, bson.M{"_id": m.ID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("tally/mongo: save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Record, error) {
	var m jobModel
	err := s.db.Collection(colJobs).FindOne(ctx, bson.M{"_id": jobID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get job: %w", err)
	}
	return fromJobModel(&m), nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, u job.StatusUpdate) error {
	set := bson.M{
		"status":   string(u.Status),
		"attempts": u.Attempts,
		"error":    u.Error,
	}
	if u.ProcessedAt != nil {
		set["processed_at"] = *u.ProcessedAt
	}
	res, err := s.db.Collection(colJobs).UpdateOne(ctx, bson.M{"_id": jobID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("tally/mongo: update job: %w", err)
	}
	if res.MatchedCount == 0 {
		return tally.ErrNotFound
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Record, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}

	cur, err := s.db.Collection(colJobs).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: list jobs: %w", err)
	}
	var models []jobModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("tally/mongo: list jobs: %w", err)
	}

	result := make([]*job.Record, len(models))
	for i := range models {
		result[i] = fromJobModel(&models[i])
	}
	return result, nil
}

// ==================== Bulk Store ====================

func (s *Store) SaveGroup(ctx context.Context, g *bulk.Group) error {
	m := toGroupModel(g)
	_, err := s.db.Collection(colBulkGroups).ReplaceOne(ctx, bson.M{"_id": m.GroupID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("tally/mongo: save group: %w", err)
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*bulk.Group, error) {
	var m groupModel
	err := s.db.Collection(colBulkGroups).FindOne(ctx, bson.M{"_id": groupID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get group: %w", err)
	}
	return fromGroupModel(&m), nil
}

func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	if _, err := s.db.Collection(colBulkGroups).DeleteOne(ctx, bson.M{"_id": groupID}); err != nil {
		return fmt.Errorf("tally/mongo: delete group: %w", err)
	}
	return nil
}

// ==================== Grouped commit ====================

// WithTx runs fn in a session transaction. The driver may run fn more than
// once when the transaction hits a transient conflict.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("tally/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx, &mongoTx{db: s.db})
	})
	return err
}

// mongoTx issues operations with the session context handed to it, which
// binds them to the running transaction.
type mongoTx struct {
	db *mongo.Database
}

func (t *mongoTx) GetAccountForUpdate(ctx context.Context, userID string) (*account.Account, error) {
	return getAccount(ctx, t.db, userID)
}

func (t *mongoTx) PutAccount(ctx context.Context, a *account.Account) error {
	m := toAccountModel(a)
	_, err := t.db.Collection(colAccounts).ReplaceOne(ctx, bson.M{"_id": m.UserID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("tally/mongo: put account: %w", err)
	}
	return nil
}

func (t *mongoTx) AppendTransaction(ctx context.Context, rec *account.Transaction) error {
	if _, err := t.db.Collection(colTransactions).InsertOne(ctx, toTransactionModel(rec)); err != nil {
		return fmt.Errorf("tally/mongo: append transaction: %w", err)
	}
	return nil
}

func (t *mongoTx) ExistsUsedTransaction(ctx context.Context, externalID, provider string) (bool, error) {
	return existsUsed(ctx, t.db, externalID, provider)
}

func (t *mongoTx) InsertUsedTransaction(ctx context.Context, u *account.UsedTransaction) error {
	_, err := t.db.Collection(colUsedTransactions).InsertOne(ctx, &usedTransactionModel{
		ExternalID:    u.ExternalID,
		Provider:      u.Provider,
		UserID:        u.UserID,
		TransactionID: u.TransactionID.String(),
		CreatedAt:     u.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return tally.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("tally/mongo: insert used transaction: %w", err)
	}
	return nil
}

// ==================== Helpers ====================

func getAccount(ctx context.Context, db *mongo.Database, userID string) (*account.Account, error) {
	var m accountModel
	err := db.Collection(colAccounts).FindOne(ctx, bson.M{"_id": userID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrNotFound
		}
		return nil, fmt.Errorf("tally/mongo: get account: %w", err)
	}
	return fromAccountModel(&m), nil
}

func existsUsed(ctx context.Context, db *mongo.Database, externalID, provider string) (bool, error) {
	n, err := db.Collection(colUsedTransactions).CountDocuments(ctx,
		bson.M{"external_id": externalID, "provider": provider},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("tally/mongo: exists used transaction: %w", err)
	}
	return n > 0, nil
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all tally collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAccounts: {
			{Keys: bson.D{{Key: "updated_at", Value: 1}}},
		},
		colTransactions: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "reference", Value: 1}}},
		},
		colUsedTransactions: {
			{
				Keys:    bson.D{{Key: "external_id", Value: 1}, {Key: "provider", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colJobs: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colBulkGroups: {
			{Keys: bson.D{{Key: "updated_at", Value: 1}}},
		},
	}
}
