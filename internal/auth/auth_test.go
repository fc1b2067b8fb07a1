package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestTokenCheck(t *testing.T) {
	tests := []struct {
		name    string
		stored  Token
		input   string
		wantErr error
	}{
		{name: "disabled accepts anything", stored: "", input: "abc", wantErr: nil},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "empty input denied", stored: "abc", input: "", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.stored.Check(tc.input)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestFromHeader(t *testing.T) {
	require.Equal(t, "abc", FromHeader("Bearer abc"))
	require.Equal(t, "abc", FromHeader("bearer  abc "))
	require.Equal(t, "", FromHeader("Basic abc"))
	require.Equal(t, "", FromHeader("abc"))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware("s3cret", "/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/services", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve := func(path, header string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusOK, serve("/health", ""))
	require.Equal(t, http.StatusUnauthorized, serve("/services", ""))
	require.Equal(t, http.StatusUnauthorized, serve("/services", "Bearer nope"))
	require.Equal(t, http.StatusOK, serve("/services", "Bearer s3cret"))
}
