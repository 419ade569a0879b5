// Package storage persists one report per retired realtime connection in
// MongoDB using gomongo, for operators reviewing a user's connection history.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/real-rm/dealroom/internal/constants"
	apperrors "github.com/real-rm/dealroom/internal/errors"
	"github.com/real-rm/dealroom/internal/metrics"
	"github.com/real-rm/dealroom/internal/realtime"
	"github.com/real-rm/dealroom/internal/util"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrInvalidReport is returned when a report has no connection or user id
	ErrInvalidReport = errors.New("connection report requires connection and user id")
	// ErrInvalidUserID is returned when a query has an empty user id
	ErrInvalidUserID = errors.New("user ID cannot be empty")
)

// ConnectionDocument is the stored form of a realtime.Report
type ConnectionDocument struct {
	ID               string    `bson:"_id" json:"connection_id"`
	UserID           string    `bson:"uid" json:"user_id"`
	OrganizationID   string    `bson:"oid" json:"organization_id"`
	DisplayName      string    `bson:"nm,omitempty" json:"display_name,omitempty"`
	ConnectedAt      time.Time `bson:"ts" json:"connected_at"`
	DisconnectedAt   time.Time `bson:"endTs" json:"disconnected_at"`
	DurationMs       int64     `bson:"dur" json:"duration_ms"`
	Reason           string    `bson:"reason" json:"reason"`
	Rooms            []string  `bson:"rooms,omitempty" json:"rooms,omitempty"`
	MessagesSent     int64     `bson:"sent" json:"messages_sent"`
	MessagesReceived int64     `bson:"recv" json:"messages_received"`
	BytesSent        int64     `bson:"bSent" json:"bytes_sent"`
	BytesReceived    int64     `bson:"bRecv" json:"bytes_received"`
	ReconnectCount   int64     `bson:"reconn" json:"reconnect_count"`
	ErrorCount       int64     `bson:"errs" json:"error_count"`
	DroppedCount     int64     `bson:"drops" json:"dropped_count"`
}

// HistoryStore implements realtime.LifecycleHook by writing a report for
// every retired connection
type HistoryStore struct {
	collection *gomongo.MongoCollection
	logger     *golog.Logger
	retry      retryConfig
}

var _ realtime.LifecycleHook = (*HistoryStore)(nil)

// NewHistoryStore creates a store on dbName.collName
func NewHistoryStore(mongo *gomongo.Mongo, dbName, collName string, logger *golog.Logger) *HistoryStore {
	return &HistoryStore{
		collection: mongo.Coll(dbName, collName),
		logger:     logger,
		retry:      defaultRetryConfig,
	}
}

// EnsureIndexes creates the indexes used by history queries
func (s *HistoryStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: constants.MongoFieldUserID, Value: 1},
				{Key: constants.MongoFieldConnectedAt, Value: -1},
			},
			Options: options.Index().SetName(constants.IndexUserConnectedAt),
		},
		{
			Keys: bson.D{
				{Key: constants.MongoFieldOrganizationID, Value: 1},
				{Key: constants.MongoFieldConnectedAt, Value: -1},
			},
			Options: options.Index().SetName(constants.IndexOrganization),
		},
	}

	if _, err := s.collection.CreateIndexes(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	s.logger.Info("MongoDB indexes created successfully",
		"component", "storage",
		"indexes", []string{constants.IndexUserConnectedAt, constants.IndexOrganization})
	return nil
}

// Ping checks connectivity of the history collection's server
func (s *HistoryStore) Ping(ctx context.Context) error {
	return s.collection.Ping(ctx)
}

// OnConnect is a no-op; history is written once the connection ends
func (s *HistoryStore) OnConnect(context.Context, string, realtime.Identity, time.Time) {}

// OnDisconnect stores the report. Failures are logged and counted.
func (s *HistoryStore) OnDisconnect(ctx context.Context, report realtime.Report) {
	if err := s.SaveReport(ctx, report); err != nil {
		util.LogError(s.logger, "storage", "save connection report", apperrors.ErrDatabaseError(err),
			"connection_id", report.ConnectionID,
			"user_id", report.Identity.UserID)
	}
}

// SaveReport inserts one connection report
func (s *HistoryStore) SaveReport(ctx context.Context, report realtime.Report) error {
	if report.ConnectionID == "" || report.Identity.UserID == "" {
		return ErrInvalidReport
	}

	start := time.Now()
	defer func() {
		metrics.HistoryOperationDuration.With(prometheus.Labels{"operation": "insert_report"}).Observe(time.Since(start).Seconds())
	}()

	doc := reportToDocument(report)
	err := s.retryOperation(ctx, "SaveReport", func() error {
		_, err := s.collection.InsertOne(ctx, doc)
		return err
	})
	if err != nil {
		metrics.MessageErrors.Inc()
		return fmt.Errorf("failed to save connection report: %w", err)
	}
	return nil
}

// ListUserConnections returns a user's most recent connection reports,
// newest first. limit <= 0 selects DefaultHistoryLimit and values above
// MaxHistoryLimit are capped.
func (s *HistoryStore) ListUserConnections(ctx context.Context, userID string, limit int) ([]ConnectionDocument, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	limit = clampLimit(limit)

	start := time.Now()
	defer func() {
		metrics.HistoryOperationDuration.With(prometheus.Labels{"operation": "list_user_connections"}).Observe(time.Since(start).Seconds())
	}()

	filter := bson.M{constants.MongoFieldUserID: userID}
	queryOpts := gomongo.QueryOptions{
		Sort:  bson.D{{Key: constants.MongoFieldConnectedAt, Value: -1}},
		Limit: int64(limit),
	}

	cursor, err := s.collection.Find(ctx, filter, queryOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list user connections: %w", err)
	}
	defer cursor.Close(ctx)

	docs := make([]ConnectionDocument, 0)
	for cursor.Next(ctx) {
		var doc ConnectionDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode connection document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return docs, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return constants.DefaultHistoryLimit
	}
	if limit > constants.MaxHistoryLimit {
		return constants.MaxHistoryLimit
	}
	return limit
}

func reportToDocument(r realtime.Report) *ConnectionDocument {
	roomNames := make([]string, 0, len(r.Rooms))
	for _, room := range r.Rooms {
		roomNames = append(roomNames, string(room.Kind)+":"+room.ID)
	}

	return &ConnectionDocument{
		ID:               r.ConnectionID,
		UserID:           r.Identity.UserID,
		OrganizationID:   r.Identity.OrganizationID,
		DisplayName:      r.Identity.DisplayName,
		ConnectedAt:      r.ConnectedAt,
		DisconnectedAt:   r.DisconnectedAt,
		DurationMs:       r.Duration().Milliseconds(),
		Reason:           r.Reason,
		Rooms:            roomNames,
		MessagesSent:     r.Metrics.MessagesSent,
		MessagesReceived: r.Metrics.MessagesReceived,
		BytesSent:        r.Metrics.BytesSent,
		BytesReceived:    r.Metrics.BytesReceived,
		ReconnectCount:   r.Metrics.ReconnectCount,
		ErrorCount:       r.Metrics.ErrorCount,
		DroppedCount:     r.Metrics.DroppedCount,
	}
}
