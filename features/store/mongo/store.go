package mongo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/invoqio/invoq/runtime/codestore"
)

const (
	defaultObjectsCollection = "code_objects"
	defaultOpTimeout         = 5 * time.Second
	storeName                = "codestore-mongo"
)

type (
	// Options configures the Mongo object store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the objects collection name.
		Collection string
		// Timeout bounds individual operations. Zero means 5s.
		Timeout time.Duration
	}

	// Store implements codestore.ObjectStore on a Mongo collection.
	Store struct {
		mongo   *mongodriver.Client
		objects collection
		timeout time.Duration
	}

	objectDocument struct {
		Key        string            `bson:"key"`
		Data       []byte            `bson:"data,omitempty"`
		Size       int64             `bson:"size"`
		UploadedAt time.Time         `bson:"uploaded_at"`
		ETag       string            `bson:"etag"`
		Metadata   map[string]string `bson:"metadata,omitempty"`
	}
)

var (
	_ codestore.ObjectStore = (*Store)(nil)
	_ health.Pinger         = (*Store)(nil)
)

// New returns a Store backed by MongoDB. It ensures the unique key index
// before returning.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collectionName := opts.Collection
	if collectionName == "" {
		collectionName = defaultObjectsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collectionName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return newStoreWithCollection(opts.Client, coll, timeout), nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Get implements codestore.ObjectStore. A missing key returns
// (nil, nil, nil).
func (s *Store) Get(ctx context.Context, key string) ([]byte, *codestore.ObjectInfo, error) {
	if key == "" {
		return nil, nil, errors.New("object key is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc objectDocument
	if err := s.objects.FindOne(ctx, bson.M{"key": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("mongo get %s: %w", key, err)
	}
	info := doc.toInfo()
	return doc.Data, &info, nil
}

// Put implements codestore.ObjectStore. The write is an unconditional
// overwrite.
func (s *Store) Put(ctx context.Context, key string, data []byte, meta map[string]string) (*codestore.ObjectInfo, error) {
	if key == "" {
		return nil, errors.New("object key is required")
	}
	sum := sha256.Sum256(data)
	doc := objectDocument{
		Key:        key,
		Data:       data,
		Size:       int64(len(data)),
		UploadedAt: time.Now().UTC(),
		ETag:       hex.EncodeToString(sum[:16]),
		Metadata:   meta,
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.objects.ReplaceOne(ctx, bson.M{"key": key}, doc, options.Replace().SetUpsert(true)); err != nil {
		return nil, fmt.Errorf("mongo put %s: %w", key, err)
	}
	info := doc.toInfo()
	return &info, nil
}

// Delete implements codestore.ObjectStore. Deleting an absent key is a
// no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("object key is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.objects.DeleteOne(ctx, bson.M{"key": key}); err != nil {
		return fmt.Errorf("mongo delete %s: %w", key, err)
	}
	return nil
}

// List implements codestore.ObjectStore, returning keys ascending.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"key": bson.Regex{Pattern: "^" + regexp.QuoteMeta(prefix)}}
	opts := options.Find().
		SetProjection(bson.M{"key": 1}).
		SetSort(bson.D{{Key: "key", Value: 1}})
	cur, err := s.objects.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo list %s: %w", prefix, err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []string
	for cur.Next(ctx) {
		var doc objectDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo list decode: %w", err)
		}
		out = append(out, doc.Key)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo list %s: %w", prefix, err)
	}
	return out, nil
}

// Head implements codestore.ObjectStore. The payload stays on the
// server; only the metadata document fields are projected back. A
// missing key returns (nil, nil).
func (s *Store) Head(ctx context.Context, key string) (*codestore.ObjectInfo, error) {
	if key == "" {
		return nil, errors.New("object key is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.FindOne().SetProjection(bson.M{"data": 0})
	var doc objectDocument
	if err := s.objects.FindOne(ctx, bson.M{"key": key}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongo head %s: %w", key, err)
	}
	info := doc.toInfo()
	return &info, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (doc objectDocument) toInfo() codestore.ObjectInfo {
	return codestore.ObjectInfo{
		Key:        doc.Key,
		Size:       doc.Size,
		UploadedAt: doc.UploadedAt.UTC(),
		ETag:       doc.ETag,
		Metadata:   doc.Metadata,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	keyIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, keyIndex); err != nil {
		return err
	}
	return nil
}

func newStoreWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		mongo:   mongoClient,
		objects: coll,
		timeout: timeout,
	}
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	ReplaceOne(ctx context.Context, filter any, replacement any,
		opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any,
		opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
