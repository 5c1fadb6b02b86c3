package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/pretty"
)

// Logger prints one access-log line per request, with the compacted body of
// step-creating POSTs appended.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, file, line, ok := runtime.Caller(0)
		fileInfo := "???"
		if ok {
			fileInfo = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}

		startTime := time.Now()

		// Capture the body before the handler consumes it.
		var bodyStr string
		if c.Request.Method == "POST" {
			bodyStr = getRequestBody(c)
		}

		c.Next()

		// Probing of unknown paths is noise, not traffic.
		if c.Writer.Status() == http.StatusNotFound {
			return
		}

		latencyTime := time.Since(startTime)

		logMsg := fmt.Sprintf("[GIN] %v | %s | %3d | %13v | %15s | %s | %s",
			startTime.Format("2006/01/02 - 15:04:05"),
			fileInfo,
			c.Writer.Status(),
			latencyTime,
			c.ClientIP(),
			c.Request.Method,
			c.Request.RequestURI,
		)

		if bodyStr != "" {
			logMsg += fmt.Sprintf("\nRequest Body: %s", bodyStr)
		}

		fmt.Println(logMsg)
	}
}

// getRequestBody reads the body and puts it back so the handler still sees it.
func getRequestBody(c *gin.Context) string {
	var bodyBytes []byte
	if c.Request.Body != nil {
		bodyBytes, _ = io.ReadAll(c.Request.Body)
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}
	return CompressBody(string(bodyBytes))
}

// CompressBody strips the whitespace out of a JSON body and truncates it to a
// log-friendly length.
func CompressBody(body string) string {
	if len(body) == 0 {
		return ""
	}

	compressed := pretty.Ugly([]byte(body))
	if len(compressed) > 1000 {
		return string(compressed[:1000]) + "..."
	}
	return string(compressed)
}
