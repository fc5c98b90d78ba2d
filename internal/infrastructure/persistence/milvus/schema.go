// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	// CollectionPassages 语料片段集合
	CollectionPassages = "passages"

	// VectorDimension 向量维度
	VectorDimension = 1024
)

// PassagesSchema 语料片段 Collection Schema
// 标量字段冗余存储，检索命中后无需回表即可还原片段
func PassagesSchema() *entity.Schema {
	return &entity.Schema{
		CollectionName: CollectionPassages,
		Description:    "Corpus passages for dense semantic search",
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "vector",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": "1024",
				},
			},
			{
				Name:     "document_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "text",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "65535",
				},
			},
			{
				Name:     "page",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "time_start_ms",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "time_end_ms",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "ref_start",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "ref_end",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
		},
	}
}

// PassageVector 片段向量数据结构
type PassageVector struct {
	ID          string    `json:"id"`
	Vector      []float32 `json:"vector"`
	DocumentID  string    `json:"document_id"`
	Text        string    `json:"text"`
	Page        int64     `json:"page"`
	TimeStartMs int64     `json:"time_start_ms"`
	TimeEndMs   int64     `json:"time_end_ms"`
	RefStart    string    `json:"ref_start"`
	RefEnd      string    `json:"ref_end"`
}
