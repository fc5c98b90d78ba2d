// Package handler 提供 HTTP 请求处理器
package handler

import (
	"github.com/gin-gonic/gin"

	"scripture-qa-api/internal/application/retrieval"
	"scripture-qa-api/internal/interfaces/http/dto"
	"scripture-qa-api/pkg/errors"
	"scripture-qa-api/pkg/logger"
)

// RetrievalHandler 检索处理器
type RetrievalHandler struct {
	engine *retrieval.Engine
}

// NewRetrievalHandler 创建检索处理器
func NewRetrievalHandler(engine *retrieval.Engine) *RetrievalHandler {
	return &RetrievalHandler{
		engine: engine,
	}
}

// Search 混合检索
// @Summary 混合检索
// @Description 稠密、词法与范围过滤三路召回并融合排序
// @Tags Retrieval
// @Accept json
// @Produce json
// @Param body body dto.SearchRequest true "检索请求"
// @Success 200 {object} dto.Response[dto.SearchResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/retrieval/search [post]
func (h *RetrievalHandler) Search(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	bundle, err := h.engine.Retrieve(ctx, req.Query, req.Range, req.TopK)
	if err != nil {
		if errors.IsAppError(err) {
			appErr := errors.AsAppError(err)
			c.JSON(appErr.HTTPStatus, dto.ErrorResponse{
				Code:    appErr.HTTPStatus,
				Message: appErr.Message,
				Error: &dto.ErrorDetail{
					ErrorCode: string(appErr.Code),
					Details:   appErr.Detail,
				},
				TraceID: c.GetString("trace_id"),
			})
			return
		}
		logger.Error(ctx, "failed to search passages", err)
		dto.InternalError(c, "failed to search passages")
		return
	}

	dto.Success(c, dto.FromBundle(bundle))
}
