package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/hamdam/internal/models"
)

type requestLog struct {
	mu   sync.Mutex
	uris []string
}

func (l *requestLog) add(uri string) {
	l.mu.Lock()
	l.uris = append(l.uris, uri)
	l.mu.Unlock()
}

func (l *requestLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.uris...)
}

func setupTestServer(t *testing.T, total int) (*httptest.Server, *requestLog) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	requests := &requestLog{}
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if c.GetHeader("X-Request-ID") == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "missing request id"})
			return
		}
		if c.Request.URL.Path != "/signin" && c.GetHeader("Authorization") != "Bearer secret" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Could not validate credentials"})
			return
		}
		requests.add(c.Request.URL.RequestURI())
		c.Next()
	})

	router.GET("/chat/messages/:id", func(c *gin.Context) {
		id, _ := strconv.Atoi(c.Param("id"))
		skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

		page := []models.Message{}
		for i := skip; i < total && i < skip+limit; i++ {
			page = append(page, models.Message{
				ID:          i + 1,
				Content:     fmt.Sprintf("message %d", i+1),
				SenderID:    id,
				RecipientID: 1,
				Timestamp:   "2024-05-01T12:00:00",
			})
		}
		c.JSON(http.StatusOK, page)
	})
	router.GET("/patients", func(c *gin.Context) {
		c.JSON(http.StatusOK, []models.User{
			{ID: 42, Name: "Rostam", Email: "rostam@example.com"},
			{ID: 43, Name: "Shirin", Email: "shirin@example.com"},
		})
	})
	router.GET("/users/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.User{ID: 1, Name: "Dr. Kaveh", IsTherapist: true})
	})
	router.POST("/signin", func(c *gin.Context) {
		if c.PostForm("username") != "kaveh@example.com" || c.PostForm("password") != "pass" {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Incorrect username or password"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"access_token": "secret", "token_type": "bearer", "expires_in": 3600})
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, requests
}

func TestGetConversationPagesUntilShortPage(t *testing.T) {
	server, requests := setupTestServer(t, 5)
	client := New(server.URL+"/", StaticToken("secret"), WithPageSize(2))

	messages, err := client.GetConversation(context.Background(), 42)
	require.NoError(t, err)

	require.Len(t, messages, 5)
	require.Equal(t, 1, messages[0].ID)
	require.Equal(t, 5, messages[4].ID)
	require.Equal(t, []string{
		"/chat/messages/42?limit=2&skip=0",
		"/chat/messages/42?limit=2&skip=2",
		"/chat/messages/42?limit=2&skip=4",
	}, requests.all())
}

func TestGetConversationExactMultipleOfPage(t *testing.T) {
	server, requests := setupTestServer(t, 4)
	client := New(server.URL, StaticToken("secret"), WithPageSize(2))

	messages, err := client.GetConversation(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	require.Len(t, requests.all(), 3, "an empty page terminates paging")
}

func TestUnauthorizedReturnsStatusError(t *testing.T) {
	server, _ := setupTestServer(t, 1)
	client := New(server.URL, StaticToken("wrong"))

	_, err := client.GetPatients(context.Background())

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	require.Equal(t, "Could not validate credentials", statusErr.Detail)
	require.Contains(t, err.Error(), "401 Unauthorized, Could not validate credentials")
}

func TestTokenSourceErrorAbortsRequest(t *testing.T) {
	server, requests := setupTestServer(t, 1)
	boom := errors.New("no session")
	client := New(server.URL, TokenFunc(func() (string, error) { return "", boom }))

	_, err := client.GetMe(context.Background())
	require.ErrorIs(t, err, boom)
	require.Empty(t, requests.all())
}

func TestGetTherapistInCharge(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var assigned atomic.Bool
	assigned.Store(true)
	router := gin.New()
	router.GET("/therapist", func(c *gin.Context) {
		if !assigned.Load() {
			c.Data(http.StatusOK, "application/json", []byte("null"))
			return
		}
		c.JSON(http.StatusOK, models.User{ID: 9, Name: "Kaveh", IsTherapist: true})
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := New(server.URL, StaticToken("secret"))

	therapist, err := client.GetTherapistInCharge(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9, therapist.ID)

	assigned.Store(false)
	_, err = client.GetTherapistInCharge(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetPatient(t *testing.T) {
	server, _ := setupTestServer(t, 0)
	client := New(server.URL, StaticToken("secret"))

	patient, err := client.GetPatient(context.Background(), 43)
	require.NoError(t, err)
	require.Equal(t, "Shirin", patient.Name)

	_, err = client.GetPatient(context.Background(), 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSignIn(t *testing.T) {
	server, _ := setupTestServer(t, 0)
	client := New(server.URL, nil)

	token, err := client.SignIn(context.Background(), "kaveh@example.com", "pass")
	require.NoError(t, err)
	require.Equal(t, "secret", token.AccessToken)
	require.Equal(t, 3600, token.ExpiresIn)

	_, err = client.SignIn(context.Background(), "kaveh@example.com", "nope")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, "Incorrect username or password", statusErr.Detail)
}

func TestStatusErrorStructuredDetail(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/patients", func(c *gin.Context) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"loc": []string{"query", "skip"}, "msg": "bad"}}})
	})
	server := httptest.NewServer(router)
	defer server.Close()

	_, err := New(server.URL, nil).GetPatients(context.Background())

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	require.JSONEq(t, `[{"loc":["query","skip"],"msg":"bad"}]`, statusErr.Detail)
}
