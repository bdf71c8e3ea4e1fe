package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

type QueryHandlers struct {
	queryService services.QueryService
}

func NewQueryHandlers(queryService services.QueryService) *QueryHandlers {
	return &QueryHandlers{queryService: queryService}
}

// Query answers a question against the tenant's documents. With
// stream=true the answer arrives as SSE deltas followed by a terminal
// event carrying sources, confidence and suggestions.
func (h *QueryHandlers) Query(c *gin.Context) {
	tenantID, userID, ok := requestIdentity(c)
	if !ok {
		return
	}

	var req models.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if req.Stream {
		h.stream(c, tenantID, userID, req)
		return
	}

	result, err := h.queryService.Query(c.Request.Context(), tenantID, userID, req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *QueryHandlers) stream(c *gin.Context, tenantID, userID string, req models.QueryRequest) {
	// Governor denials happen before the first event, so they can still
	// answer with a proper status code instead of an SSE error frame.
	events, err := h.queryService.QueryStream(c.Request.Context(), tenantID, userID, req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	for event := range events {
		data, merr := json.Marshal(event)
		if merr != nil {
			continue
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		c.Writer.Flush()
	}
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}
