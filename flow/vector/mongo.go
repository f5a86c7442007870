package vector

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoIndex implements Index on a MongoDB Atlas collection with a vector
// search index. One collection per namespace; documents carry the shape:
//
//	{ _id, embedding: [float], text, documentId, metadata: {} }
//
// Query runs a $vectorSearch aggregation against the configured search index
// and maps vectorSearchScore into Result.Score. Upsert replaces documents by
// _id.
type MongoIndex struct {
	db *mongo.Database

	// searchIndex is the Atlas search index name covering the embedding path.
	searchIndex string

	// numCandidatesFactor scales topK into the $vectorSearch candidate pool.
	numCandidatesFactor int
}

// NewMongoIndex creates an adapter over the given database. searchIndex is
// the Atlas vector search index name ("vector_index" if empty).
func NewMongoIndex(db *mongo.Database, searchIndex string) *MongoIndex {
	if searchIndex == "" {
		searchIndex = "vector_index"
	}
	return &MongoIndex{db: db, searchIndex: searchIndex, numCandidatesFactor: 10}
}

// Query implements Index.
func (m *MongoIndex) Query(ctx context.Context, namespace string, embedding []float32, topK int, filter Filter) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}
	search := bson.D{
		{Key: "index", Value: m.searchIndex},
		{Key: "path", Value: "embedding"},
		{Key: "queryVector", Value: toFloat64s(embedding)},
		{Key: "numCandidates", Value: topK * m.numCandidatesFactor},
		{Key: "limit", Value: topK},
	}
	if len(filter.DocumentIDs) > 0 {
		search = append(search, bson.E{Key: "filter", Value: bson.D{
			{Key: "documentId", Value: bson.D{{Key: "$in", Value: filter.DocumentIDs}}},
		}})
	}
	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: search}},
		{{Key: "$project", Value: bson.D{
			{Key: "text", Value: 1},
			{Key: "metadata", Value: 1},
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}},
		}}},
	}

	cursor, err := m.db.Collection(namespace).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("vector query on %q: %w", namespace, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var hits []Result
	for cursor.Next(ctx) {
		var doc struct {
			ID       string         `bson:"_id"`
			Text     string         `bson:"text"`
			Metadata map[string]any `bson:"metadata"`
			Score    float64        `bson:"score"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("vector query decode: %w", err)
		}
		hits = append(hits, Result{ID: doc.ID, Score: doc.Score, Text: doc.Text, Metadata: doc.Metadata})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("vector query cursor: %w", err)
	}
	return hits, nil
}

// Upsert implements Index.
func (m *MongoIndex) Upsert(ctx context.Context, namespace string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	coll := m.db.Collection(namespace)
	models := make([]mongo.WriteModel, 0, len(items))
	for _, item := range items {
		doc := bson.D{
			{Key: "_id", Value: item.ID},
			{Key: "embedding", Value: toFloat64s(item.Embedding)},
			{Key: "text", Value: item.Text},
			{Key: "documentId", Value: item.DocumentID},
			{Key: "metadata", Value: item.Metadata},
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: item.ID}}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	_, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("vector upsert on %q: %w", namespace, err)
	}
	return nil
}

func toFloat64s(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

var _ Index = (*MongoIndex)(nil)
