package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	slidewise "github.com/slidewise/slidewise"
)

// presentationRequest is the request body for the presentation workflow.
// new_files are ingested into the evidence store before the run starts.
type presentationRequest struct {
	PresentationID string                  `json:"presentation_id,omitempty"`
	History        []slidewise.HistoryTurn `json:"history,omitempty"`
	InitialInput   string                  `json:"initial_input" binding:"required"`
	Metadata       map[string]any          `json:"metadata,omitempty"`
	NewFiles       []slidewise.IngestFile  `json:"new_files,omitempty"`
}

// RunPresentation handles POST /v1/workflow/presentation.
func (s *Server) RunPresentation(c *gin.Context) {
	var req presentationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	presentationID := req.PresentationID
	if presentationID == "" {
		presentationID = slidewise.NewID()
	}

	if len(req.NewFiles) > 0 {
		if s.ingestor == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file ingestion not configured"})
			return
		}
		res, err := s.ingestor.Ingest(c.Request.Context(), presentationID, req.NewFiles)
		if err != nil {
			s.logger.Error("inline ingestion failed",
				"presentation_id", presentationID,
				"error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		s.logger.Info("ingested request files",
			"presentation_id", presentationID,
			"docs", res.DocCount,
			"chunks", res.ChunkCount)
	}

	resp, err := s.orch.RunPresentation(c.Request.Context(), slidewise.RunRequest{
		PresentationID: presentationID,
		History:        req.History,
		InitialInput:   req.InitialInput,
		Metadata:       req.Metadata,
	})
	if err != nil {
		code := slidewise.CodeOf(err)
		body := gin.H{"error": err.Error(), "code": code}
		// Partial state still goes back to the caller: budget and
		// cancellation leave the last barrier-commit state usable.
		if resp.State != nil {
			body["state"] = resp.State
			body["trace"] = resp.Trace
		}
		c.JSON(statusOf(code), body)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// workerRequest is the debug envelope for direct worker invocation.
type workerRequest struct {
	Input       map[string]any `json:"input" binding:"required"`
	Model       string         `json:"model,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
}

// InvokeWorker handles POST /v1/worker/:name, a direct call through the
// full reliability envelope, for debugging individual workers.
func (s *Server) InvokeWorker(c *gin.Context) {
	name := c.Param("name")
	var req workerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.registry.Invoke(c.Request.Context(), name, slidewise.WorkerRequest{
		Input:       slidewise.MarshalInput(req.Input),
		Model:       req.Model,
		Temperature: req.Temperature,
		Metadata: slidewise.WorkerMetadata{
			TraceID: slidewise.NewID(),
			StepID:  "debug",
		},
	})
	if err != nil {
		code := slidewise.CodeOf(err)
		c.JSON(statusOf(code), gin.H{"error": err.Error(), "code": code})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result":   res.Result,
		"usage":    res.Usage,
		"attempts": res.Attempts,
	})
}

// retrieveRequest is the request body for evidence retrieval.
type retrieveRequest struct {
	PresentationID string                    `json:"presentation_id" binding:"required"`
	Query          string                    `json:"query" binding:"required"`
	Limit          int                       `json:"limit,omitempty"`
	Filter         *slidewise.RetrieveFilter `json:"filter,omitempty"`
}

// Retrieve handles POST /rag/retrieve.
func (s *Server) Retrieve(c *gin.Context) {
	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var filter slidewise.DocumentFilter
	if req.Filter != nil {
		filter.Kind = slidewise.DocumentKind(req.Filter.DocumentKind)
	}
	chunks, err := s.retriever.Retrieve(c.Request.Context(), req.PresentationID, req.Query, req.Limit, filter)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chunks": chunks})
}

// Telemetry handles GET /v1/telemetry: the per-worker rollup with
// percentile latencies.
func (s *Server) Telemetry(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": s.sink.Rollup()})
}
