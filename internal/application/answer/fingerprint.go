package answer

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"scripture-qa-api/internal/application/retrieval"
)

// normalizeQuestion 归一化用户提问，保证语义相同的提问产出同一指纹
// 小写化并压缩空白，不做任何语言学处理
func normalizeQuestion(question string) string {
	fields := strings.Fields(strings.ToLower(question))
	return strings.Join(fields, " ")
}

// Fingerprint 计算一次生成请求的确定性指纹
// 由模型 ID、归一化提问与检索结果摘要共同决定，
// 任一分量变化都会产生新指纹，从而允许并行生成
func Fingerprint(modelID, question string, bundle *retrieval.Bundle) string {
	h := sha256.New()
	_, _ = io.WriteString(h, modelID)
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, normalizeQuestion(question))
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, bundle.Digest())
	return hex.EncodeToString(h.Sum(nil))
}
