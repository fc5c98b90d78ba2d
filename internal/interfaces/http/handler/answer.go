// Package handler 提供 HTTP 请求处理器
package handler

import (
	"github.com/gin-gonic/gin"

	"scripture-qa-api/internal/application/answer"
	"scripture-qa-api/internal/interfaces/http/dto"
	"scripture-qa-api/pkg/errors"
	"scripture-qa-api/pkg/logger"
)

// AnswerHandler 问答处理器
type AnswerHandler struct {
	service *answer.Service
}

// NewAnswerHandler 创建问答处理器
func NewAnswerHandler(service *answer.Service) *AnswerHandler {
	return &AnswerHandler{
		service: service,
	}
}

// Answer 受守护的问答
// @Summary 受守护的问答
// @Description 检索证据并生成带引用的应答，无证据或守护拒绝时返回结构化拒答
// @Tags Answer
// @Accept json
// @Produce json
// @Param body body dto.AnswerRequest true "问答请求"
// @Success 200 {object} dto.Response[dto.AnswerResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/answer [post]
func (h *AnswerHandler) Answer(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	result, err := h.service.Answer(ctx, &answer.Request{
		Question:    req.Question,
		RangeFilter: req.Range,
		TopK:        req.TopK,
		ModelID:     req.Model,
	})
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
		logger.Error(ctx, "failed to answer question", err)
		dto.InternalError(c, "failed to answer question")
		return
	}

	dto.Success(c, dto.FromAnswerResult(result))
}
