package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		// Process request
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		metrics.RecordHTTPRequest(method, path, status, time.Since(start))
	}
}

// Timer measures handler duration
type Timer struct {
	start    time.Time
	metrics  *Metrics
	protocol string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, protocol string) *Timer {
	return &Timer{
		start:    time.Now(),
		metrics:  metrics,
		protocol: protocol,
	}
}

// Stop stops the timer and records the duration
func (t *Timer) Stop(status string) {
	if t.metrics == nil {
		return
	}
	t.metrics.RecordDispatch(t.protocol, status, time.Since(t.start))
}
