package store

import "errors"

var (
	// ErrTaskNotFound 任务不存在或不属于该用户。
	ErrTaskNotFound = errors.New("task not found")
	// ErrRelationalStore 关系型存储读写失败。
	ErrRelationalStore = errors.New("relational store error")
	// ErrDocumentStore 文档存储读写失败。
	ErrDocumentStore = errors.New("document store error")
)
