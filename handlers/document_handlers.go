package handlers

import (
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

type DocumentHandlers struct {
	ingestionService services.IngestionService
	documentService  services.DocumentService
	maxUploadBytes   int64
}

func NewDocumentHandlers(ingestionService services.IngestionService, documentService services.DocumentService, maxUploadBytes int64) *DocumentHandlers {
	return &DocumentHandlers{
		ingestionService: ingestionService,
		documentService:  documentService,
		maxUploadBytes:   maxUploadBytes,
	}
}

// Upload accepts a document as multipart form data (field "file") or
// as a raw body with a "name" query parameter. The response is 202:
// the document row exists but chunking and embedding may still be in
// flight when the client reads it.
func (h *DocumentHandlers) Upload(c *gin.Context) {
	tenantID, userID, ok := requestIdentity(c)
	if !ok {
		return
	}

	name, declaredType, blob, err := h.readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid upload", "details": err.Error()})
		return
	}

	resp, err := h.ingestionService.Ingest(c.Request.Context(), tenantID, userID, name, declaredType, blob)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	status := http.StatusAccepted
	if resp.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

func (h *DocumentHandlers) readUpload(c *gin.Context) (name, declaredType string, blob []byte, err error) {
	reader := http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1)

	if file, header, ferr := c.Request.FormFile("file"); ferr == nil {
		defer file.Close()
		blob, err = io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
		if err != nil {
			return "", "", nil, err
		}
		name = filepath.Base(header.Filename)
		declaredType = header.Header.Get("Content-Type")
		if declaredType == "" || declaredType == "application/octet-stream" {
			declaredType = filepath.Ext(header.Filename)
		}
		return name, declaredType, blob, nil
	}

	blob, err = io.ReadAll(reader)
	if err != nil {
		return "", "", nil, err
	}
	name = filepath.Base(c.DefaultQuery("name", "document.txt"))
	declaredType = c.ContentType()
	if declaredType == "" {
		declaredType = filepath.Ext(name)
	}
	return name, declaredType, blob, nil
}

func (h *DocumentHandlers) ListDocuments(c *gin.Context) {
	tenantID, _, ok := requestIdentity(c)
	if !ok {
		return
	}

	filter := models.DocumentListFilter{
		Page: parseIntQuery(c, "page", 1),
		Size: parseIntQuery(c, "size", 20),
	}
	if status := c.Query("status"); status != "" {
		s := models.DocumentStatus(status)
		filter.Status = &s
	}

	resp, err := h.documentService.ListDocuments(c.Request.Context(), tenantID, filter)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *DocumentHandlers) GetDocument(c *gin.Context) {
	tenantID, _, ok := requestIdentity(c)
	if !ok {
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document ID"})
		return
	}

	doc, err := h.documentService.GetDocument(c.Request.Context(), tenantID, id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *DocumentHandlers) DeleteDocument(c *gin.Context) {
	tenantID, userID, ok := requestIdentity(c)
	if !ok {
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document ID"})
		return
	}

	if err := h.ingestionService.Delete(c.Request.Context(), tenantID, userID, id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Document deleted successfully"})
}

// Reprocess re-runs the pipeline for a FAILED document.
func (h *DocumentHandlers) Reprocess(c *gin.Context) {
	tenantID, userID, ok := requestIdentity(c)
	if !ok {
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document ID"})
		return
	}

	resp, err := h.ingestionService.Reprocess(c.Request.Context(), tenantID, userID, id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *DocumentHandlers) GetStats(c *gin.Context) {
	tenantID, _, ok := requestIdentity(c)
	if !ok {
		return
	}

	stats, err := h.documentService.GetStats(c.Request.Context(), tenantID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RebuildIndex re-embeds every chunk and swaps in a fresh index. Admin
// only; the route group enforces the role.
func (h *DocumentHandlers) RebuildIndex(c *gin.Context) {
	tenantID, _, ok := requestIdentity(c)
	if !ok {
		return
	}

	count, err := h.documentService.RebuildIndex(c.Request.Context(), tenantID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chunks_indexed": count})
}

func parseIntQuery(c *gin.Context, key string, fallback int) int {
	value, err := strconv.Atoi(c.Query(key))
	if err != nil || value < 1 {
		return fallback
	}
	return value
}
