package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"memoryvault/internal/middleware"
	"memoryvault/internal/pkg/response"
	"memoryvault/internal/pkg/validator"
)

// NameResolver decorates responses with owner display names.
type NameResolver interface {
	DisplayNames(ctx context.Context, userIDs []string) map[string]string
}

type Handler struct {
	service  *Service
	uploader Uploader
	names    NameResolver
	maxBytes int64
}

// NewHandler wires the HTTP surface. names may be nil; maxBytes of zero
// leaves the upload size to the uploader's own limit.
func NewHandler(service *Service, uploader Uploader, names NameResolver, maxBytes int64) *Handler {
	return &Handler{service: service, uploader: uploader, names: names, maxBytes: maxBytes}
}

// Create handles the bot interaction upload.
func (h *Handler) Create(c *gin.Context) {
	if h.maxBytes > 0 {
		// room for the metadata parts on top of the file
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+1<<20)
	}

	var form CreateMemoryForm
	if err := c.ShouldBind(&form); err != nil {
		response.Error(c, http.StatusBadRequest, "INVALID_REQUEST", "Malformed multipart body")
		return
	}
	if form.UserID == "" {
		form.UserID = c.GetString(middleware.ContextUserID)
	}
	if fields := validator.Validate(form); fields != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid memory metadata", fields)
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, "FILE_REQUIRED", "A file is required")
		return
	}
	data, err := readPart(fh, h.maxBytes)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "INVALID_FILE", "File could not be read")
		return
	}

	contentType := fh.Header.Get("Content-Type")
	if NormalizeContentType(contentType) == DefaultContentType && len(data) > 0 {
		contentType = http.DetectContentType(data)
	}

	res, err := h.uploader.CreateMemory(c.Request.Context(), UploadRequest{
		Meta: form.Input(),
		File: UploadFile{Name: fh.Filename, ContentType: contentType, Data: data},
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := "disabled"
	if res.BackupPending {
		status = "pending"
	}
	response.Success(c, http.StatusCreated, CreateMemoryResponse{
		Memory:       NewMemoryResponse(res.Memory, ""),
		SessionID:    res.SessionID,
		BackupStatus: status,
	})
}

func (h *Handler) List(c *gin.Context) {
	viewer, ok := viewerFrom(c)
	if !ok {
		return
	}

	var q ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, http.StatusBadRequest, "INVALID_QUERY", "Malformed query parameters")
		return
	}
	if fields := validator.Validate(q); fields != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameters", fields)
		return
	}
	filter, err := q.Filter(viewer.UserID)
	if err != nil {
		writeError(c, err)
		return
	}

	memories, total, err := h.service.Search(c.Request.Context(), viewer, filter)
	if err != nil {
		writeError(c, err)
		return
	}

	owners := make([]string, 0, len(memories))
	for _, m := range memories {
		owners = append(owners, m.UserID)
	}
	names := h.displayNames(c.Request.Context(), owners)

	items := make([]MemoryResponse, 0, len(memories))
	for i := range memories {
		items = append(items, NewMemoryResponse(&memories[i], names[memories[i].UserID]))
	}
	filter = filter.normalized()
	response.Page(c, items, total, filter.Limit, filter.Offset)
}

func (h *Handler) Get(c *gin.Context) {
	viewer, ok := viewerFrom(c)
	if !ok {
		return
	}

	m, err := h.service.Get(c.Request.Context(), viewer, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	names := h.displayNames(c.Request.Context(), []string{m.UserID})
	response.Success(c, http.StatusOK, NewMemoryResponse(m, names[m.UserID]))
}

func (h *Handler) Delete(c *gin.Context) {
	viewer, ok := viewerFrom(c)
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), viewer, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"id": c.Param("id"), "deleted": true})
}

func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), c.Query("user_id"), c.Query("guild_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, stats)
}

func (h *Handler) displayNames(ctx context.Context, ids []string) map[string]string {
	if h.names == nil || len(ids) == 0 {
		return map[string]string{}
	}
	return h.names.DisplayNames(ctx, ids)
}

func viewerFrom(c *gin.Context) (Viewer, bool) {
	claims := middleware.ClaimsFrom(c)
	if claims == nil {
		response.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return Viewer{}, false
	}
	return Viewer{
		UserID: claims.UserID,
		Guilds: claims.Guilds,
		Admin:  claims.Role == middleware.RoleAdmin,
	}, true
}

// readPart reads at most limit+1 bytes so oversize files fail validation
// without being buffered whole.
func readPart(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	return io.ReadAll(r)
}

func writeError(c *gin.Context, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(),
			gin.H{"field": verr.Field, "reason": verr.Reason})
	case errors.Is(err, ErrStorageWriteFailed):
		c.Error(err)
		response.Error(c, http.StatusServiceUnavailable, "STORAGE_WRITE_FAILED",
			"The file could not be stored. Nothing was saved, please try again.")
	case errors.Is(err, ErrMetadataWriteFailed):
		c.Error(err)
		response.Error(c, http.StatusInternalServerError, "SAVE_FAILED",
			"Nothing was saved, please try again.")
	case errors.Is(err, ErrForbidden):
		response.Error(c, http.StatusForbidden, "FORBIDDEN", "You do not own this memory")
	case errors.Is(err, ErrNotFound):
		response.Error(c, http.StatusNotFound, "NOT_FOUND", "Memory not found")
	default:
		c.Error(fmt.Errorf("memory handler: %w", err))
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
