package dispatch

import (
	"encoding/json"
	"fmt"

	"productlens/internal/model"
	"productlens/internal/pkg/jobqueue"

	"github.com/google/uuid"
)

// BuildJobs 由同一份商品数据构造三条分析任务，顺序为 text、photo、reviews。
//
// 每条 payload 都按"主商品在前，竞品按输入顺序在后"排列：
//   - text: 商品描述 []string
//   - photo: 图片地址 []string
//   - reviews: 每个商品一组评价 [][]string，单条评价格式为 "text:<t>;pros:<p>;cons:<c>;"
func BuildJobs(taskID uuid.UUID, main model.ProductInput, competitors []model.ProductInput) ([]*jobqueue.AnalysisJob, error) {
	products := make([]model.ProductInput, 0, len(competitors)+1)
	products = append(products, main)
	products = append(products, competitors...)

	descriptions := make([]string, 0, len(products))
	images := make([]string, 0, len(products))
	reviews := make([][]string, 0, len(products))
	for _, p := range products {
		descriptions = append(descriptions, p.Description)
		images = append(images, p.ImageURL)
		reviews = append(reviews, FlattenReviews(p.Reviews))
	}

	payloads := map[model.JobType]any{
		model.JobTypeText:    descriptions,
		model.JobTypePhoto:   images,
		model.JobTypeReviews: reviews,
	}

	jobs := make([]*jobqueue.AnalysisJob, 0, len(payloads))
	for _, jt := range model.AllJobTypes() {
		raw, err := json.Marshal(payloads[jt])
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", jt, err)
		}
		jobs = append(jobs, &jobqueue.AnalysisJob{TaskType: jt, Payload: raw, TaskID: taskID})
	}
	return jobs, nil
}

// FlattenReviews 把评价列表转为 worker 使用的字符串形式。
func FlattenReviews(reviews []model.Review) []string {
	out := make([]string, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, FormatReview(r))
	}
	return out
}

// FormatReview 返回 "text:<t>;pros:<p>;cons:<c>;"。
func FormatReview(r model.Review) string {
	return "text:" + r.Text + ";pros:" + r.Pros + ";cons:" + r.Cons + ";"
}
