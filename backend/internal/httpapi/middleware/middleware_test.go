package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newRouter(v Verifier, l *UserRateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(v), RateLimit(l))
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": c.GetUint64(CtxUserID), "username": c.GetString(CtxUsername)})
	})
	return r
}

func get(r http.Handler, header, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me"+query, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_LocalToken(t *testing.T) {
	r := newRouter(NewLocalVerifier(testSecret), nil)
	token, err := SignAccessToken(testSecret, 42, "alice", time.Minute)
	require.NoError(t, err)

	w := get(r, "Bearer "+token, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(42), body["userId"])
	assert.Equal(t, "alice", body["username"])

	// WebSocket 场景走 query
	w = get(r, "", "?token="+token)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_Rejects(t *testing.T) {
	r := newRouter(NewLocalVerifier(testSecret), nil)

	assert.Equal(t, http.StatusUnauthorized, get(r, "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Bearer garbage", "").Code)

	other, err := SignAccessToken("other-secret", 1, "bob", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Bearer "+other, "").Code)

	expired, err := SignAccessToken(testSecret, 1, "bob", -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Bearer "+expired, "").Code)
}

func TestAuth_RemoteVerifier(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/auth/verify", r.URL.Path)
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			_ = json.NewEncoder(w).Encode(VerifyClaims{UserID: 9, Username: "carol", Type: "access"})
		case "Bearer refresh":
			_ = json.NewEncoder(w).Encode(VerifyClaims{UserID: 9, Type: "refresh"})
		case "Bearer boom":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(verifyErrResp{Error: "token expired"})
		}
	}))
	defer upstream.Close()

	r := newRouter(NewRemoteVerifier(upstream.URL+"/"), nil)
	assert.Equal(t, http.StatusOK, get(r, "Bearer good", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Bearer refresh", "").Code)
	assert.Equal(t, http.StatusBadGateway, get(r, "Bearer boom", "").Code)

	w := get(r, "Bearer bad", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token expired")
}

func TestRateLimit_PerUser(t *testing.T) {
	r := newRouter(NewLocalVerifier(testSecret), NewUserRateLimiter(0.001, 2))
	alice, _ := SignAccessToken(testSecret, 1, "alice", time.Minute)
	bob, _ := SignAccessToken(testSecret, 2, "bob", time.Minute)

	assert.Equal(t, http.StatusOK, get(r, "Bearer "+alice, "").Code)
	assert.Equal(t, http.StatusOK, get(r, "Bearer "+alice, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "Bearer "+alice, "").Code)
	assert.Equal(t, http.StatusOK, get(r, "Bearer "+bob, "").Code)
}

func TestRateLimit_Disabled(t *testing.T) {
	r := newRouter(NewLocalVerifier(testSecret), NewUserRateLimiter(0, 1))
	token, _ := SignAccessToken(testSecret, 1, "alice", time.Minute)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(r, "Bearer "+token, "").Code)
	}
}
