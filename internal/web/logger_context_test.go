package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	gmw "github.com/Laisky/gin-middlewares/v7"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/Laisky/research-aggregator/library/search"
)

func TestRequestScopedLogger(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t,
		[]search.Provider{paperProvider(search.ProviderArxiv, "x")},
		WithLogger(logSDK.Shared.Named("test_request_logger")),
	)

	var (
		fromCtx    logSDK.Logger
		ginFromStd bool
	)
	srv.engine.GET("/probe", func(c *gin.Context) {
		fromCtx = gmw.GetLogger(c)
		_, ginFromStd = gmw.GetGinCtxFromStdCtx(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, fromCtx)
	require.True(t, ginFromStd)
}
