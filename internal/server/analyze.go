package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/controllame/docpipe/internal/pipeline"
	"github.com/controllame/docpipe/internal/session"
)

// AnalyzeRequest is the analyze endpoint payload. SessionID forces
// resumption of a specific prior session.
type AnalyzeRequest struct {
	Text        string `json:"text"`
	SessionID   string `json:"sessionId,omitempty"`
	UserContext string `json:"userContext,omitempty"`
}

// sseWriter serializes server-sent events onto an echo response.
type sseWriter struct {
	c echo.Context
}

func (w sseWriter) send(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w.c.Response(), "event: %s\ndata: %s\n\n", event, data)
	w.c.Response().Flush()
}

// analyze streams pipeline progress as server-sent events: one or more
// "progress" frames per phase, "error" on a fatal phase, and a final
// "complete" frame with the aggregated result. Validation failures are
// reported as plain JSON errors before the stream opens.
func (s *Server) analyze(c echo.Context) error {
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Text) < 50 {
		return echo.NewHTTPError(http.StatusBadRequest, "document text too short (minimum 50 characters)")
	}

	call, err := s.console.CallContext(c)
	if err != nil {
		return err
	}
	tenant := tenantID(c)

	// One run per document per tenant at a time. A duplicate request is
	// told to wait rather than spending a second set of model calls.
	release, ok := s.locks.Acquire(c.Request().Context(), tenant+":"+session.HashDocument(req.Text))
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "analysis already in progress for this document")
	}
	defer release()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	w := sseWriter{c: c}

	if avg, err := s.store.AverageTimings(c.Request().Context()); err == nil {
		var total float64
		for _, v := range avg {
			total += v
		}
		w.send("progress", map[string]interface{}{
			"phase":           "pipeline",
			"status":          "accepted",
			"etaSeconds":      avg,
			"etaTotalSeconds": total,
		})
	}

	errorSent := false
	outcome, err := s.pipe.Run(c.Request().Context(), pipeline.Request{
		TenantID:     tenant,
		SessionID:    req.SessionID,
		DocumentText: req.Text,
		UserContext:  req.UserContext,
		Call:         call,
	}, pipeline.Callbacks{
		OnProgress: func(ev pipeline.Event) { w.send("progress", ev) },
		OnError: func(phase, message string) {
			errorSent = true
			w.send("error", map[string]string{"phase": phase, "message": message})
		},
	})
	if err != nil {
		if c.Request().Context().Err() != nil {
			// Client gone, nothing left to tell it.
			return nil
		}
		s.logger.Printf("analyze failed tenant=%s: %v", tenant, err)
		if !errorSent {
			w.send("error", map[string]string{"phase": "pipeline", "message": err.Error()})
		}
		return nil
	}

	w.send("complete", outcome)
	return nil
}

// sessionView is the lookup response shape.
type sessionView struct {
	SessionID       string                    `json:"sessionId"`
	DocumentPreview string                    `json:"documentPreview,omitempty"`
	CreatedAt       string                    `json:"createdAt"`
	UpdatedAt       string                    `json:"updatedAt"`
	Complete        bool                      `json:"complete"`
	Classification  json.RawMessage           `json:"classification,omitempty"`
	Analysis        json.RawMessage           `json:"analysis,omitempty"`
	Investigation   json.RawMessage           `json:"investigation,omitempty"`
	Advice          json.RawMessage           `json:"advice,omitempty"`
	PhaseTiming     map[string]session.Timing `json:"phaseTiming,omitempty"`
}

// getSession returns a cached session. Sessions are tenant scoped; an ID
// from another tenant reads as missing.
func (s *Server) getSession(c echo.Context) error {
	id := c.Param("id")
	sess, err := s.store.Load(c.Request().Context(), id)
	if err != nil {
		var nf *session.NotFoundError
		if errors.As(err, &nf) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sess == nil || sess.TenantID != tenantID(c) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, sessionView{
		SessionID:       sess.SessionID,
		DocumentPreview: sess.DocumentPreview,
		CreatedAt:       sess.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       sess.UpdatedAt.UTC().Format(time.RFC3339),
		Complete:        sess.Complete(),
		Classification:  sess.Classification,
		Analysis:        sess.Analysis,
		Investigation:   sess.Investigation,
		Advice:          sess.Advice,
		PhaseTiming:     sess.PhaseTiming,
	})
}
