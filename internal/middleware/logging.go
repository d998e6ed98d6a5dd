// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"time"

	"vidstream-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// RequestLogger 是一个 Gin 中间件，用于记录请求日志。
// 分片上传的请求体是纯字节流，可能达到数 MB，因此这里只记录
// 请求行与大小信息，不像常规业务服务那样回放请求/响应体。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", latency.String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestSize", c.Request.ContentLength,
			"responseSize", c.Writer.Size(),
		)
	}
}
