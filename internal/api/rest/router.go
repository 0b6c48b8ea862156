package rest

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/promocoupon/internal/logger"
	"go.uber.org/zap"
)

// RegisterRoutes 注册活动相关路由
func RegisterRoutes(r gin.IRouter, h *PromotionHandler) {
	activities := r.Group("/activities/:activityId")
	activities.POST("/reserve", h.Reserve)
	activities.POST("/issue", h.Issue)
	activities.GET("/promotions/:user", h.GetPromotion)
	activities.GET("/amount", h.RemainingAmount)
}

// LoggingMiddleware 按状态码分级记录请求日志
func LoggingMiddleware(log *zap.Logger) gin.HandlerFunc {
	log = logger.OrNop(log)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			log.Error("请求完成", fields...)
		case status >= 400:
			log.Warn("请求完成", fields...)
		default:
			log.Debug("请求完成", fields...)
		}
	}
}
