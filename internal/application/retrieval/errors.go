package retrieval

import (
	"scripture-qa-api/pkg/errors"
)

// 检索阶段错误，均为致命错误，调用方不做重试
var (
	ErrEmptyQuery = errors.New(errors.CodeInvalidParam, "query is required")
)

// invalidRange 将范围解析错误包装为检索错误
func invalidRange(err error) error {
	return errors.ErrInvalidRange.WithError(err)
}

// indexUnavailable 将底层索引错误包装为检索错误
func indexUnavailable(err error) error {
	return errors.ErrIndexUnavailable.WithError(err)
}
