package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rfwatch/geo"
	"rfwatch/models"
)

const (
	detectionsCollection = "detections"
	mongoTimeout         = 10 * time.Second
)

type MongoClient struct {
	client     *mongo.Client
	collection *mongo.Collection
	lastID     atomic.Int64
}

// detectionDocument is the stored shape; the payload is kept as a string so
// arbitrary JSON round-trips unchanged.
type detectionDocument struct {
	ID          int64     `bson:"_id"`
	Kind        string    `bson:"kind"`
	RefID       string    `bson:"ref_id"`
	Timestamp   time.Time `bson:"timestamp"`
	Latitude    *float64  `bson:"latitude,omitempty"`
	Longitude   *float64  `bson:"longitude,omitempty"`
	Type        string    `bson:"type,omitempty"`
	Priority    string    `bson:"priority,omitempty"`
	Confidence  float64   `bson:"confidence"`
	Description string    `bson:"description,omitempty"`
	Payload     string    `bson:"payload,omitempty"`
}

func NewMongoClient(uri, database string) (*MongoClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("error connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("error pinging MongoDB: %w", err)
	}

	collection := client.Database(database).Collection(detectionsCollection)
	_, err = collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "ref_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("error creating indexes: %w", err)
	}

	return &MongoClient{client: client, collection: collection}, nil
}

func (db *MongoClient) Close() error {
	if db.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
		defer cancel()
		return db.client.Disconnect(ctx)
	}
	return nil
}

// nextID hands out increasing nanosecond ids even when called twice in the
// same clock tick.
func (db *MongoClient) nextID() int64 {
	for {
		last := db.lastID.Load()
		id := max(time.Now().UnixNano(), last+1)
		if db.lastID.CompareAndSwap(last, id) {
			return id
		}
	}
}

func (db *MongoClient) StoreDetection(detection *models.Detection) error {
	if err := detection.Prepare(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()

	doc := toDocument(*detection)
	doc.ID = db.nextID()

	filter := bson.M{"kind": doc.Kind, "ref_id": doc.RefID}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var stored detectionDocument
	err := db.collection.FindOneAndUpdate(ctx, filter, bson.M{"$setOnInsert": doc}, opts).Decode(&stored)
	if err != nil {
		return fmt.Errorf("error storing detection: %w", err)
	}
	detection.ID = stored.ID
	return nil
}

func (db *MongoClient) GetAllDetections() ([]models.Detection, error) {
	return db.find(bson.M{}, options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}))
}

func (db *MongoClient) GetRecentDetections(kind string, limit int) ([]models.Detection, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	filter := bson.M{}
	if kind != "" {
		filter["kind"] = kind
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	return db.find(filter, opts)
}

func (db *MongoClient) GetDetectionsByLocation(lat, lng float64, radiusKm float64) ([]models.Detection, error) {
	latDelta := radiusKm * 1000 / geo.MetersPerDegreeLat
	lonDelta := 180.0
	if mPerDeg := geo.MetersPerDegreeLon(lat); mPerDeg > 0 {
		lonDelta = math.Min(180, radiusKm*1000/mPerDeg)
	}
	filter := bson.M{
		"latitude":  bson.M{"$gte": lat - latDelta, "$lte": lat + latDelta},
		"longitude": bson.M{"$gte": lng - lonDelta, "$lte": lng + lonDelta},
	}
	candidates, err := db.find(filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}))
	if err != nil {
		return nil, err
	}
	return withinRadius(candidates, lat, lng, radiusKm), nil
}

func (db *MongoClient) find(filter bson.M, opts *options.FindOptions) ([]models.Detection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()

	cursor, err := db.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error querying detections: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []detectionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("error decoding detections: %w", err)
	}
	out := make([]models.Detection, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromDocument(doc))
	}
	return out, nil
}

func toDocument(d models.Detection) detectionDocument {
	return detectionDocument{
		ID:          d.ID,
		Kind:        d.Kind,
		RefID:       d.RefID,
		Timestamp:   d.Timestamp,
		Latitude:    d.Latitude,
		Longitude:   d.Longitude,
		Type:        d.Type,
		Priority:    d.Priority,
		Confidence:  d.Confidence,
		Description: d.Description,
		Payload:     string(d.Payload),
	}
}

func fromDocument(doc detectionDocument) models.Detection {
	d := models.Detection{
		ID:          doc.ID,
		Kind:        doc.Kind,
		RefID:       doc.RefID,
		Timestamp:   doc.Timestamp,
		Latitude:    doc.Latitude,
		Longitude:   doc.Longitude,
		Type:        doc.Type,
		Priority:    doc.Priority,
		Confidence:  doc.Confidence,
		Description: doc.Description,
	}
	if doc.Payload != "" {
		d.Payload = json.RawMessage(doc.Payload)
	}
	return d
}
