package model

import "time"

// Product 是文档库中保存的商品快照。
type Product struct {
	ID          uint64  `bson:"id" json:"id"`
	Name        string  `bson:"name" json:"name"`
	Description string  `bson:"description" json:"description"`
	RootID      uint64  `bson:"root_id" json:"root"`
	Price       uint64  `bson:"price" json:"price"`
	ReviewScore float32 `bson:"review_score" json:"reviewRating"`
}

// AnalysisDocument 表示任务的文档部分，按用户分集合存储，以任务 ID 为主键。
//
// 三个分析字段初始为空，由外部 worker 异步、互不相关地写入。
type AnalysisDocument struct {
	ID             string    `bson:"_id"`
	CreatedAt      time.Time `bson:"created_at"`
	MainProduct    Product   `bson:"main_product"`
	Competitors    []Product `bson:"competitors"`
	KeywordsUsed   []string  `bson:"keywords_used"`
	KeywordsUnused []string  `bson:"keywords_unused"`
	TextAnalysis   *string   `bson:"text_analysis"`
	PhotoAnalysis  *string   `bson:"photo_analysis"`
	ReviewAnalysis *string   `bson:"review_analysis"`
}

// Analysis 返回指定类型的分析结果（未写入时为 nil）。
func (d *AnalysisDocument) Analysis(t JobType) *string {
	switch t {
	case JobTypeText:
		return d.TextAnalysis
	case JobTypePhoto:
		return d.PhotoAnalysis
	case JobTypeReviews:
		return d.ReviewAnalysis
	default:
		return nil
	}
}

// SetAnalysis 写入指定类型的分析结果。
func (d *AnalysisDocument) SetAnalysis(t JobType, message string) {
	m := message
	switch t {
	case JobTypeText:
		d.TextAnalysis = &m
	case JobTypePhoto:
		d.PhotoAnalysis = &m
	case JobTypeReviews:
		d.ReviewAnalysis = &m
	}
}

// TaskPayload 是创建 / 重新生成任务时写入文档库的商品与关键词数据。
type TaskPayload struct {
	MainProduct    Product
	Competitors    []Product
	KeywordsUsed   []string
	KeywordsUnused []string
}
