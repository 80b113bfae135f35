package log

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newTestRouter(buf *bytes.Buffer, quiet ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := NewWithWriter(Config{Level: "debug", ServiceName: "test"}, buf)

	r := gin.New()
	r.Use(GinMiddleware(logger, quiet...))
	r.GET("/hello", func(c *gin.Context) {
		c.Set(FieldUserID, "alice")
		l := Ctx(c.Request.Context())
		l.Info().Msg("inside handler")
		c.String(http.StatusOK, "hi")
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestGinMiddleware_PropagatesRequestID(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	r := newTestRouter(&buf)

	// When a request arrives with a request id
	w := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodGet, "/hello", nil)
	httpReq.Header.Set("X-Request-ID", "req-42")
	r.ServeHTTP(w, httpReq)

	// Then the id is echoed and tags both the handler and the access log
	req.Equal("req-42", w.Header().Get("X-Request-ID"))
	lines := decodeLines(t, &buf)
	req.Len(lines, 2)
	req.Equal("inside handler", lines[0]["message"])
	req.Equal("req-42", lines[0][FieldRequestID])
	req.Equal("request completed", lines[1]["message"])
	req.Equal(float64(http.StatusOK), lines[1][FieldStatus])
	req.Equal("alice", lines[1][FieldUserID])
	req.Equal("test", lines[1][FieldService])
}

func TestGinMiddleware_GeneratesRequestIDAndQuietsProbes(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	r := newTestRouter(&buf, "/health")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	req.NotEmpty(w.Header().Get("X-Request-ID"))
	lines := decodeLines(t, &buf)
	req.Len(lines, 1)
	req.Equal("debug", lines[0]["level"])
}
