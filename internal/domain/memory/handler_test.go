package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"memoryvault/internal/middleware"
	"memoryvault/internal/pkg/jwt"
)

type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) CreateMemory(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*UploadResult)
	return res, args.Error(1)
}

type staticNames map[string]string

func (s staticNames) DisplayNames(_ context.Context, ids []string) map[string]string {
	out := map[string]string{}
	for _, id := range ids {
		out[id] = s[id]
	}
	return out
}

type testAPI struct {
	router   *gin.Engine
	repo     Repository
	uploader *MockUploader
	jwt      *jwt.Service
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	_, repo := setupRepo(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := &testAPI{
		repo:     repo,
		uploader: new(MockUploader),
		jwt:      jwt.New("secret", time.Hour),
	}

	h := NewHandler(NewService(repo, nil, logger), api.uploader, staticNames{"alice": "Alice A."}, 1024)

	r := gin.New()
	internal := r.Group("/internal/v1")
	internal.Use(middleware.InternalTokenAuth(middleware.InternalTokenConfig{Enabled: true, Token: "bot"}, logger))
	h.RegisterInternalRoutes(internal)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(api.jwt))
	h.RegisterRoutes(v1)

	api.router = r
	return api
}

func (a *testAPI) do(t *testing.T, method, path, user string, guilds ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		token, err := a.jwt.GenerateToken(user, "member", guilds)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func multipartBody(t *testing.T, fields map[string]string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		part, err := mw.CreateFormFile("file", "beach.png")
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (a *testAPI) upload(t *testing.T, fields map[string]string, file []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, fields, file)
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/memories", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer bot")
	req.Header.Set("X-User-ID", "alice")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func uploadFields() map[string]string {
	return map[string]string{
		"guild_id":    "g1",
		"title":       "Vacation",
		"description": "Beach trip 2024",
		"category":    "Gaming",
		"privacy":     "Private",
		"tags":        "summer, beach",
	}
}

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

func TestCreate_Success(t *testing.T) {
	api := setupAPI(t)
	m := seed(t, api.repo, func(in *MemoryInput) { in.UserID = "alice" })

	api.uploader.On("CreateMemory", mock.Anything, mock.MatchedBy(func(req UploadRequest) bool {
		return req.Meta.UserID == "alice" &&
			req.Meta.Title == "Vacation" &&
			assert.ObjectsAreEqual([]string{"summer", "beach"}, req.Meta.Tags) &&
			req.File.Name == "beach.png" &&
			req.File.ContentType == "image/png" &&
			len(req.File.Data) == len(pngBytes)
	})).Return(&UploadResult{Memory: m, SessionID: "sess-1", BackupPending: true}, nil).Once()

	w := api.upload(t, uploadFields(), pngBytes)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "sess-1", data["session_id"])
	assert.Equal(t, "pending", data["backup_status"])
	file := data["memory"].(map[string]any)["files"].([]any)[0].(map[string]any)
	assert.Equal(t, false, file["backed_up"])
	assert.Nil(t, file["backup_cid"])
	api.uploader.AssertExpectations(t)
}

func TestCreate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "validation", err: &ValidationError{Field: "title", Reason: "too short"}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		{name: "storage", err: fmt.Errorf("%w: quota", ErrStorageWriteFailed), status: http.StatusServiceUnavailable, code: "STORAGE_WRITE_FAILED"},
		{name: "metadata", err: fmt.Errorf("%w: db down", ErrMetadataWriteFailed), status: http.StatusInternalServerError, code: "SAVE_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := setupAPI(t)
			api.uploader.On("CreateMemory", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			w := api.upload(t, uploadFields(), pngBytes)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}

func TestCreate_RejectsBeforeUploader(t *testing.T) {
	api := setupAPI(t)

	w := api.upload(t, uploadFields(), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "FILE_REQUIRED")

	fields := uploadFields()
	delete(fields, "title")
	w = api.upload(t, fields, pngBytes)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"title":"required"`)

	api.uploader.AssertNotCalled(t, "CreateMemory", mock.Anything, mock.Anything)
}

func TestCreate_RequiresInternalToken(t *testing.T) {
	api := setupAPI(t)
	body, contentType := multipartBody(t, uploadFields(), pngBytes)
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/memories", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListAndGet_Visibility(t *testing.T) {
	api := setupAPI(t)
	private := seed(t, api.repo, func(in *MemoryInput) { in.UserID, in.Privacy = "alice", "private" })
	seed(t, api.repo, func(in *MemoryInput) { in.UserID, in.Privacy, in.GuildID = "alice", "members_only", "g1" })
	seed(t, api.repo, func(in *MemoryInput) { in.UserID, in.Privacy = "bob", "public" })

	w := api.do(t, http.MethodGet, "/api/v1/memories", "carol")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["data"], 1)
	assert.EqualValues(t, 1, body["meta"].(map[string]any)["total"])

	w = api.do(t, http.MethodGet, "/api/v1/memories", "carol", "g1")
	assert.Len(t, decode(t, w)["data"], 2)

	w = api.do(t, http.MethodGet, "/api/v1/memories?owner=me", "alice")
	items := decode(t, w)["data"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "Alice A.", items[0].(map[string]any)["owner_name"])

	w = api.do(t, http.MethodGet, "/api/v1/memories/"+private.ID, "carol", "g1")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/memories/"+private.ID, "alice")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "Private", got["privacy_label"])
	assert.Equal(t, "Server Events", got["category_label"])
}

func TestList_BadQuery(t *testing.T) {
	api := setupAPI(t)

	w := api.do(t, http.MethodGet, "/api/v1/memories?privacy=secret", "alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/memories?limit=500", "alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/memories", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDelete(t *testing.T) {
	api := setupAPI(t)
	m := seed(t, api.repo, func(in *MemoryInput) { in.UserID, in.Privacy = "alice", "public" })

	w := api.do(t, http.MethodDelete, "/api/v1/memories/"+m.ID, "bob")
	assert.Equal(t, http.StatusForbidden, w.Code)

	_, err := api.repo.GetMemory(context.Background(), m.ID)
	require.NoError(t, err)

	w = api.do(t, http.MethodDelete, "/api/v1/memories/"+m.ID, "alice")
	assert.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/memories/"+m.ID, "alice")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStats(t *testing.T) {
	api := setupAPI(t)
	seed(t, api.repo, func(in *MemoryInput) { in.UserID = "alice" })
	seed(t, api.repo, func(in *MemoryInput) { in.UserID = "bob" })

	w := api.do(t, http.MethodGet, "/api/v1/stats?user_id=alice", "alice")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.EqualValues(t, 1, data["total_memories"])
	assert.EqualValues(t, 42, data["total_bytes"])
}
