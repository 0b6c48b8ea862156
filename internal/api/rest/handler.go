package rest

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/promocoupon/internal/errs"
	"github.com/lvdashuaibi/promocoupon/internal/logger"
	"github.com/lvdashuaibi/promocoupon/internal/model"
	"github.com/lvdashuaibi/promocoupon/internal/service"
	"go.uber.org/zap"
)

type PromotionHandler struct {
	service service.Promotions
	log     *zap.Logger
}

func NewPromotionHandler(svc service.Promotions, log *zap.Logger) *PromotionHandler {
	return &PromotionHandler{
		service: svc,
		log:     logger.OrNop(log),
	}
}

// Reserve POST /activities/:activityId/reserve
func (h *PromotionHandler) Reserve(c *gin.Context) {
	user, ok := h.bindUser(c)
	if !ok {
		return
	}

	p, err := h.service.Reserve(c.Request.Context(), c.Param("activityId"), user)
	if err != nil {
		h.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, model.ReserveResponse{
		ID:           p.ID,
		ReservedTime: model.FormatTime(p.ReservedTime),
	})
}

// Issue POST /activities/:activityId/issue
func (h *PromotionHandler) Issue(c *gin.Context) {
	user, ok := h.bindUser(c)
	if !ok {
		return
	}

	p, err := h.service.Issue(c.Request.Context(), c.Param("activityId"), user)
	if err != nil {
		h.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, model.IssueResponse{
		Code:       p.Code,
		IssuedTime: model.FormatTime(*p.IssuedTime),
	})
}

// GetPromotion GET /activities/:activityId/promotions/:user
func (h *PromotionHandler) GetPromotion(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("activityId"), c.Param("user"))
	if err != nil {
		h.abort(c, err)
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{Message: errs.ErrNoReservation.Error()})
		return
	}

	resp := gin.H{
		"id":           p.ID,
		"user":         p.User,
		"activity":     p.Activity,
		"reservedTime": model.FormatTime(p.ReservedTime),
	}
	if p.Issued() {
		resp["code"] = p.Code
		resp["issuedTime"] = model.FormatTime(*p.IssuedTime)
	}
	c.JSON(http.StatusOK, resp)
}

// RemainingAmount GET /activities/:activityId/amount
func (h *PromotionHandler) RemainingAmount(c *gin.Context) {
	amount, err := h.service.RemainingAmount(c.Request.Context(), c.Param("activityId"))
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount": amount})
}

func (h *PromotionHandler) bindUser(c *gin.Context) (string, bool) {
	var req model.PromotionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abortWithStatus(c, http.StatusBadRequest, errs.Wrap(errs.ErrInvalidRequest, "请求体格式错误"))
		return "", false
	}
	if strings.TrimSpace(req.User) == "" {
		h.abortWithStatus(c, http.StatusBadRequest, errs.Wrap(errs.ErrInvalidRequest, "user 不能为空"))
		return "", false
	}
	return req.User, true
}

// abort 参数错误400，领域错误403，其余500
func (h *PromotionHandler) abort(c *gin.Context, err error) {
	switch {
	case errs.Is(err, errs.ErrInvalidRequest):
		h.abortWithStatus(c, http.StatusBadRequest, err)
	case errs.IsDomain(err):
		h.abortWithStatus(c, http.StatusForbidden, err)
	default:
		h.log.Error("请求处理失败",
			zap.String("path", c.FullPath()),
			zap.String("activity", c.Param("activityId")),
			zap.Error(err),
		)
		h.abortWithStatus(c, http.StatusInternalServerError, err)
	}
}

func (h *PromotionHandler) abortWithStatus(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, model.ErrorResponse{Message: errs.Message(err)})
}
