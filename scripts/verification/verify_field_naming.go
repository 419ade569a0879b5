//go:build ignore

// verify_field_naming checks against a live MongoDB that connection reports
// are stored with the short field names the history indexes rely on.
//
//	MONGO_URI=mongodb://127.0.0.1:27017 go run scripts/verification/verify_field_naming.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/real-rm/dealroom/internal/constants"
	"github.com/real-rm/dealroom/internal/storage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	fmt.Println("=== Connection History Field Naming Verification ===")

	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://127.0.0.1:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(ctx)

	if err := client.Ping(ctx, nil); err != nil {
		log.Fatalf("Failed to ping MongoDB: %v", err)
	}
	fmt.Println("✓ Connected to MongoDB")

	collection := client.Database("dealroom_field_naming").Collection("connections")
	_ = collection.Drop(ctx)

	connectedAt := time.Now().UTC().Truncate(time.Millisecond)
	docs := []interface{}{
		storage.ConnectionDocument{
			ID:             "conn-1",
			UserID:         "user-123",
			OrganizationID: "org-1",
			DisplayName:    "Test User",
			ConnectedAt:    connectedAt,
			DisconnectedAt: connectedAt.Add(time.Minute),
			DurationMs:     60000,
			Reason:         constants.ReasonClientClosed,
			Rooms:          []string{"document:doc-1", "deal:deal-9"},
			MessagesSent:   12,
			BytesSent:      2048,
		},
		storage.ConnectionDocument{
			ID:             "conn-2",
			UserID:         "user-123",
			OrganizationID: "org-1",
			ConnectedAt:    connectedAt.Add(time.Hour),
			DisconnectedAt: connectedAt.Add(2 * time.Hour),
			Reason:         constants.ReasonSuperseded,
		},
	}
	if _, err := collection.InsertMany(ctx, docs); err != nil {
		log.Fatalf("Failed to insert documents: %v", err)
	}
	fmt.Println("✓ Documents inserted")

	var raw bson.M
	if err := collection.FindOne(ctx, bson.M{constants.MongoFieldID: "conn-1"}).Decode(&raw); err != nil {
		log.Fatalf("Failed to find document: %v", err)
	}

	allFieldsCorrect := true
	for _, field := range []string{
		constants.MongoFieldUserID,
		constants.MongoFieldOrganizationID,
		constants.MongoFieldConnectedAt,
		constants.MongoFieldDisconnectedAt,
		"nm", "dur", "reason", "rooms", "sent", "recv", "bSent", "bRecv", "reconn", "errs", "drops",
	} {
		if _, ok := raw[field]; !ok {
			fmt.Printf("✗ Field '%s' not found in document\n", field)
			allFieldsCorrect = false
		} else {
			fmt.Printf("✓ Field '%s' exists\n", field)
		}
	}
	for _, field := range []string{"user_id", "organization_id", "connected_at", "disconnected_at", "connection_id"} {
		if _, ok := raw[field]; ok {
			fmt.Printf("✗ JSON field name '%s' leaked into storage\n", field)
			allFieldsCorrect = false
		}
	}

	// the history query: newest first for one user
	cursor, err := collection.Find(ctx,
		bson.M{constants.MongoFieldUserID: "user-123"},
		options.Find().SetSort(bson.D{{Key: constants.MongoFieldConnectedAt, Value: -1}}))
	if err != nil {
		log.Fatalf("Failed to query by uid: %v", err)
	}
	var results []storage.ConnectionDocument
	if err := cursor.All(ctx, &results); err != nil {
		log.Fatalf("Failed to decode results: %v", err)
	}
	if len(results) != 2 || results[0].ID != "conn-2" {
		fmt.Printf("✗ Expected conn-2 first, got %d results\n", len(results))
		allFieldsCorrect = false
	} else {
		fmt.Println("✓ Query by 'uid' sorted by 'ts' returns newest first")
	}

	_ = collection.Drop(ctx)
	fmt.Println("✓ Test collection cleaned up")

	if !allFieldsCorrect {
		fmt.Println("\n✗ Some field names are incorrect")
		os.Exit(1)
	}
	fmt.Println("\n=== All Field Naming Checks Passed ===")
}
