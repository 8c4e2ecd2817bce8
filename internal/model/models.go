package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Task 表示一个分析任务的关系型部分。
//
// 它只记录身份、归属、名称与时间；商品与分析结果保存在文档库中（见 AnalysisDocument）。
// CreatedAt 同时作为"最近活动时间"，重新生成任务时会被刷新。
type Task struct {
	ID        uuid.UUID `gorm:"type:char(36);primaryKey"`               // 任务唯一标识 (UUIDv7，按时间有序)
	UserID    string    `gorm:"type:varchar(191);index;not null"`       // 所属用户 ID
	Name      string    `gorm:"type:varchar(255);not null"`             // 任务名称（默认为主商品名称）
	CreatedAt time.Time `gorm:"index"`                                  // 创建 / 最近重新生成时间
}

// TableName 固定表名。
func (Task) TableName() string { return "tasks" }

// BeforeCreate 在插入前生成按时间有序的 UUID。
func (t *Task) BeforeCreate(_ *gorm.DB) error {
	if t.ID != uuid.Nil {
		return nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	t.ID = id
	return nil
}

// Review 是提交任务时附带的单条商品评价。
type Review struct {
	Text string `json:"text"`
	Pros string `json:"pros"`
	Cons string `json:"cons"`
}

// ProductInput 是客户端提交的商品数据。
//
// ImageURL 与 Reviews 只用于分发分析任务，不会写入文档库。
type ProductInput struct {
	ID           uint64   `json:"id"`
	Root         uint64   `json:"root"`
	Name         string   `json:"name"`
	Brand        string   `json:"brand"`
	Description  string   `json:"description"`
	Price        uint64   `json:"price"`
	ReviewRating float32  `json:"reviewRating"`
	ImageURL     string   `json:"imageUrl"`
	Reviews      []Review `json:"reviews"`
}

// ToProduct 转换为文档库中保存的商品结构。
func (p ProductInput) ToProduct() Product {
	return Product{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		RootID:      p.Root,
		Price:       p.Price,
		ReviewScore: p.ReviewRating,
	}
}

// ToProducts 批量转换，保持输入顺序。
func ToProducts(inputs []ProductInput) []Product {
	products := make([]Product, 0, len(inputs))
	for _, in := range inputs {
		products = append(products, in.ToProduct())
	}
	return products
}
