// Package redis 提供 Redis 缓存实现
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"scripture-qa-api/internal/domain/entity"
)

const terminalKeyPrefix = "ledger:terminal:"

// TerminalStore 台账终态的 Redis 持久化实现
// 存储侧 TTL 略长于内存侧，保证内存条目被逐出前存储结果仍可用
type TerminalStore struct {
	client *Client
	ttl    time.Duration
}

// NewTerminalStore 创建终态存储
func NewTerminalStore(client *Client, terminalTTL time.Duration) *TerminalStore {
	return &TerminalStore{
		client: client,
		ttl:    terminalTTL + terminalTTL/2,
	}
}

func terminalKey(fingerprint string) string {
	return terminalKeyPrefix + fingerprint
}

// LoadTerminal 读取指纹的终态结果，不存在时返回 (nil, nil)
func (s *TerminalStore) LoadTerminal(ctx context.Context, fingerprint string) (*entity.TerminalResult, error) {
	ctx, span := tracer.Start(ctx, "terminalstore.Load",
		trace.WithAttributes(attribute.String("ledger.fingerprint", fingerprint)))
	defer span.End()

	data, err := s.client.rdb.Get(ctx, terminalKey(fingerprint)).Bytes()
	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("ledger.found", false))
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load terminal result: %w", err)
	}

	var result entity.TerminalResult
	if err := json.Unmarshal(data, &result); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode terminal result: %w", err)
	}
	span.SetAttributes(attribute.Bool("ledger.found", true))
	return &result, nil
}

// SaveTerminal 持久化终态结果
func (s *TerminalStore) SaveTerminal(ctx context.Context, result *entity.TerminalResult) error {
	ctx, span := tracer.Start(ctx, "terminalstore.Save",
		trace.WithAttributes(
			attribute.String("ledger.fingerprint", result.Fingerprint),
			attribute.String("ledger.state", string(result.State)),
		))
	defer span.End()

	data, err := json.Marshal(result)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to encode terminal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, terminalKey(result.Fingerprint), data, s.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save terminal result: %w", err)
	}
	return nil
}

// DeleteTerminal 删除指纹的终态结果
func (s *TerminalStore) DeleteTerminal(ctx context.Context, fingerprint string) error {
	ctx, span := tracer.Start(ctx, "terminalstore.Delete",
		trace.WithAttributes(attribute.String("ledger.fingerprint", fingerprint)))
	defer span.End()

	if err := s.client.rdb.Del(ctx, terminalKey(fingerprint)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete terminal result: %w", err)
	}
	return nil
}
