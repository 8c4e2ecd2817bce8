package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"productlens/internal/model"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// DefaultDatabase 是文档库的默认数据库名。
const DefaultDatabase = "ai_tasks"

// DocumentStore 是任务文档部分的存储接口。每个用户一个逻辑分区。
type DocumentStore interface {
	InsertDocument(ctx context.Context, owner string, doc *model.AnalysisDocument) error
	GetDocument(ctx context.Context, owner string, id uuid.UUID) (*model.AnalysisDocument, error)
	ReplacePayload(ctx context.Context, owner string, id uuid.UUID, payload model.TaskPayload, at time.Time) error
	SetAnalysis(ctx context.Context, owner string, id uuid.UUID, jobType model.JobType, message string) error
	DeleteDocument(ctx context.Context, owner string, id uuid.UUID) error
	Ping(ctx context.Context) error
}

// MongoDocumentStore 基于 MongoDB 的文档存储，集合名即用户 ID，_id 为任务 UUID 字符串。
type MongoDocumentStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoDocumentStore 创建文档存储。database 为空时使用 DefaultDatabase。
func NewMongoDocumentStore(client *mongo.Client, database string) *MongoDocumentStore {
	if database == "" {
		database = DefaultDatabase
	}
	return &MongoDocumentStore{client: client, db: client.Database(database)}
}

func (s *MongoDocumentStore) collection(owner string) *mongo.Collection {
	return s.db.Collection(owner)
}

func byID(id uuid.UUID) bson.M {
	return bson.M{"_id": id.String()}
}

// payloadUpdate 构造重新生成任务时的单次 $set。分析字段不在其中。
func payloadUpdate(payload model.TaskPayload, at time.Time) bson.M {
	competitors := payload.Competitors
	if competitors == nil {
		competitors = []model.Product{}
	}
	return bson.M{"$set": bson.M{
		"created_at":      at,
		"main_product":    payload.MainProduct,
		"competitors":     competitors,
		"keywords_used":   nonNil(payload.KeywordsUsed),
		"keywords_unused": nonNil(payload.KeywordsUnused),
	}}
}

// analysisUpdate 构造单个分析字段的 $set。
func analysisUpdate(jobType model.JobType, message string) (bson.M, error) {
	field := jobType.AnalysisField()
	if field == "" {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownJobType, jobType)
	}
	return bson.M{"$set": bson.M{field: message}}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// InsertDocument 插入任务文档。
func (s *MongoDocumentStore) InsertDocument(ctx context.Context, owner string, doc *model.AnalysisDocument) error {
	if _, err := s.collection(owner).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("%w: insert document: %w", ErrDocumentStore, err)
	}
	return nil
}

// GetDocument 读取任务文档。
func (s *MongoDocumentStore) GetDocument(ctx context.Context, owner string, id uuid.UUID) (*model.AnalysisDocument, error) {
	var doc model.AnalysisDocument
	err := s.collection(owner).FindOne(ctx, byID(id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get document: %w", ErrDocumentStore, err)
	}
	return &doc, nil
}

// ReplacePayload 整体覆盖商品与关键词字段。
func (s *MongoDocumentStore) ReplacePayload(ctx context.Context, owner string, id uuid.UUID, payload model.TaskPayload, at time.Time) error {
	res, err := s.collection(owner).UpdateOne(ctx, byID(id), payloadUpdate(payload, at))
	if err != nil {
		return fmt.Errorf("%w: replace payload: %w", ErrDocumentStore, err)
	}
	if res.MatchedCount == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// SetAnalysis 写入单个分析结果，重复写入直接覆盖。
func (s *MongoDocumentStore) SetAnalysis(ctx context.Context, owner string, id uuid.UUID, jobType model.JobType, message string) error {
	update, err := analysisUpdate(jobType, message)
	if err != nil {
		return err
	}
	res, err := s.collection(owner).UpdateOne(ctx, byID(id), update)
	if err != nil {
		return fmt.Errorf("%w: set analysis: %w", ErrDocumentStore, err)
	}
	if res.MatchedCount == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteDocument 删除任务文档。
func (s *MongoDocumentStore) DeleteDocument(ctx context.Context, owner string, id uuid.UUID) error {
	res, err := s.collection(owner).DeleteOne(ctx, byID(id))
	if err != nil {
		return fmt.Errorf("%w: delete document: %w", ErrDocumentStore, err)
	}
	if res.DeletedCount == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Ping 检查 MongoDB 连接。
func (s *MongoDocumentStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrDocumentStore, err)
	}
	return nil
}
