// Package mongo stores log records in a capped MongoDB collection and file
// markers in a regular one.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/V4T54L/chialog/internal/domain"
)

const (
	logsCollection  = "logs"
	filesCollection = "files"
)

type recordDocument struct {
	Hostname        string    `bson:"hostname"`
	DateTime        time.Time `bson:"datetime"`
	Level           string    `bson:"level"`
	ServiceName     string    `bson:"serviceName"`
	ServiceFullName string    `bson:"serviceFullName"`
	Message         string    `bson:"message"`
}

type markerDocument struct {
	Hostname         string    `bson:"hostname"`
	Filename         string    `bson:"filename"`
	LastModifiedTime time.Time `bson:"lastModifiedTime"`
	Lines            int       `bson:"lines"`
}

// Store implements domain.Store on MongoDB.
type Store struct {
	client      *mongo.Client
	db          *mongo.Database
	cappedBytes int64
	logger      *slog.Logger
}

// NewStore connects to uri and pings the primary. cappedBytes bounds the
// logs collection when it is created; 0 leaves it uncapped.
func NewStore(ctx context.Context, uri, database string, cappedBytes int64, logger *slog.Logger) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}
	return &Store{
		client:      client,
		db:          client.Database(database),
		cappedBytes: cappedBytes,
		logger:      logger.With("component", "mongo_store"),
	}, nil
}

// Provision creates the collections and indexes when they are missing.
// An existing logs collection keeps its original capped size.
func (s *Store) Provision(ctx context.Context) error {
	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return fmt.Errorf("listing collections: %w", err)
	}

	if !slices.Contains(names, logsCollection) {
		opts := options.CreateCollection()
		if s.cappedBytes > 0 {
			opts.SetCapped(true).SetSizeInBytes(s.cappedBytes)
		}
		if err := s.db.CreateCollection(ctx, logsCollection, opts); err != nil {
			return fmt.Errorf("creating %s collection: %w", logsCollection, err)
		}
		s.logger.Info("created collection", "name", logsCollection, "capped_bytes", s.cappedBytes)
	}
	if !slices.Contains(names, filesCollection) {
		if err := s.db.CreateCollection(ctx, filesCollection); err != nil {
			return fmt.Errorf("creating %s collection: %w", filesCollection, err)
		}
		s.logger.Info("created collection", "name", filesCollection)
	}

	if _, err := s.db.Collection(logsCollection).Indexes().CreateMany(ctx, recordIndexes()); err != nil {
		return fmt.Errorf("creating %s indexes: %w", logsCollection, err)
	}
	if _, err := s.db.Collection(filesCollection).Indexes().CreateMany(ctx, markerIndexes()); err != nil {
		return fmt.Errorf("creating %s indexes: %w", filesCollection, err)
	}
	return nil
}

func recordIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "hostname", Value: 1}}},
		{Keys: bson.D{{Key: "datetime", Value: -1}}},
		{Keys: bson.D{{Key: "level", Value: 1}}},
	}
}

func markerIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "lastModifiedTime", Value: -1}}},
		{Keys: bson.D{{Key: "hostname", Value: 1}}},
	}
}

// WriteRecordBatch inserts the batch with a single ordered InsertMany.
func (s *Store) WriteRecordBatch(ctx context.Context, records []domain.LogRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	res, err := s.db.Collection(logsCollection).InsertMany(ctx, toRecordDocuments(records))
	if err != nil {
		return 0, fmt.Errorf("inserting records: %w", err)
	}
	return len(res.InsertedIDs), nil
}

// AppendMarker inserts a marker document.
func (s *Store) AppendMarker(ctx context.Context, marker domain.FileMarker) error {
	if _, err := s.db.Collection(filesCollection).InsertOne(ctx, toMarkerDocument(marker)); err != nil {
		return fmt.Errorf("inserting marker: %w", err)
	}
	return nil
}

// LatestMarker returns the marker with the greatest lastModifiedTime for
// hostname, or nil when the host has none.
func (s *Store) LatestMarker(ctx context.Context, hostname string) (*domain.FileMarker, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "lastModifiedTime", Value: -1}})
	var doc markerDocument
	err := s.db.Collection(filesCollection).FindOne(ctx, bson.D{{Key: "hostname", Value: hostname}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding latest marker: %w", err)
	}
	m := fromMarkerDocument(doc)
	return &m, nil
}

// RecentMarkers returns up to limit markers for hostname, newest first.
func (s *Store) RecentMarkers(ctx context.Context, hostname string, limit int) ([]domain.FileMarker, error) {
	opts := options.Find().SetSort(bson.D{{Key: "lastModifiedTime", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.db.Collection(filesCollection).Find(ctx, bson.D{{Key: "hostname", Value: hostname}}, opts)
	if err != nil {
		return nil, fmt.Errorf("finding markers: %w", err)
	}
	var docs []markerDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding markers: %w", err)
	}
	markers := make([]domain.FileMarker, 0, len(docs))
	for _, d := range docs {
		markers = append(markers, fromMarkerDocument(d))
	}
	return markers, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func toRecordDocuments(records []domain.LogRecord) []recordDocument {
	docs := make([]recordDocument, 0, len(records))
	for _, r := range records {
		docs = append(docs, recordDocument{
			Hostname:        r.Hostname,
			DateTime:        r.Timestamp.UTC(),
			Level:           string(r.Level),
			ServiceName:     r.ServiceName,
			ServiceFullName: r.ServiceFullName,
			Message:         r.Message,
		})
	}
	return docs
}

func toMarkerDocument(m domain.FileMarker) markerDocument {
	return markerDocument{
		Hostname:         m.Hostname,
		Filename:         m.Filename,
		LastModifiedTime: domain.MarkerTime(m.LastModifiedTime),
		Lines:            m.LineCount,
	}
}

func fromMarkerDocument(d markerDocument) domain.FileMarker {
	return domain.FileMarker{
		Hostname:         d.Hostname,
		Filename:         d.Filename,
		LastModifiedTime: d.LastModifiedTime.UTC(),
		LineCount:        d.Lines,
	}
}
