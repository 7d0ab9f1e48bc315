package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"k8s.io/klog/v2"

	"github.com/datavision/easystore/retention"
	"github.com/datavision/easystore/retrieve"
	"github.com/datavision/easystore/sidecar"
	"github.com/datavision/easystore/zones"
)

// fileAPI is the read surface the HTTP handler serves. Both
// retrieve.Retriever and zones.MultiRetriever satisfy it.
type fileAPI = zones.FileRetriever

var validDeletionReasons = map[string]struct{}{
	"GDPR":              {},
	"retention_expired": {},
	"user_request":      {},
}

type httpServer struct {
	files fileAPI
	// retention is nil when the backend cannot host an extended-retention
	// area (multi_s3); the endpoint then answers 503.
	retention *retention.Manager
}

type errorBody struct {
	Error string `json:"error"`
}

func replyJSON(ctx *fasthttp.RequestCtx, code int, v interface{}) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(code)

	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		klog.Errorf("failed to marshal response: %v", err)
	}
}

func replyError(ctx *fasthttp.RequestCtx, code int, format string, args ...interface{}) {
	replyJSON(ctx, code, errorBody{Error: fmt.Sprintf(format, args...)})
}

// parseTimestamp accepts RFC3339 (with offset or Z) and naive ISO8601, which
// is treated as UTC.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// newHTTPHandler builds the fasthttp request dispatcher:
//
//	GET    /health
//	GET    /metrics
//	GET    /files/{uid}?created_at=...
//	DELETE /files/{uid}?created_at=...&deleted_by=...&reason=...&ticket_id=...
//	PUT    /files/{uid}/retention-policy
func newHTTPHandler(s *httpServer) func(ctx *fasthttp.RequestCtx) {
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())

	return func(c *fasthttp.RequestCtx) {
		startedAt := time.Now()
		defer func() {
			klog.V(3).Infof("%s %s -> %d in %s",
				c.Method(), c.Path(), c.Response.StatusCode(), time.Since(startedAt))
		}()

		path := string(c.Path())
		switch {
		case path == "/health":
			replyJSON(c, http.StatusOK, map[string]string{"status": "ok"})
		case path == "/metrics":
			metricsHandler(c)
		case strings.HasPrefix(path, "/files/"):
			s.handleFiles(c, strings.TrimPrefix(path, "/files/"))
		default:
			replyError(c, http.StatusNotFound, "no such endpoint %s", path)
		}
	}
}

func (s *httpServer) handleFiles(c *fasthttp.RequestCtx, rest string) {
	if uid := strings.TrimSuffix(rest, "/retention-policy"); uid != rest {
		if !c.IsPut() {
			replyError(c, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleRetentionPolicy(c, uid)
		return
	}
	if strings.Contains(rest, "/") || rest == "" {
		replyError(c, http.StatusNotFound, "no such endpoint /files/%s", rest)
		return
	}
	switch {
	case c.IsGet():
		s.handleGet(c, rest)
	case c.IsDelete():
		s.handleDelete(c, rest)
	default:
		replyError(c, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *httpServer) handleGet(c *fasthttp.RequestCtx, uid string) {
	createdAt, err := parseTimestamp(string(c.QueryArgs().Peek("created_at")))
	if err != nil {
		replyError(c, http.StatusBadRequest, "created_at: %v", err)
		return
	}

	data, err := s.files.Get(c, uid, createdAt)
	switch {
	case err == nil:
		c.SetContentType("application/octet-stream")
		c.SetStatusCode(http.StatusOK)
		c.SetBody(data)
	case errors.Is(err, retrieve.ErrTombstoned):
		replyError(c, http.StatusGone, "file %s has been deleted", uid)
	case errors.Is(err, retrieve.ErrNotFound):
		replyError(c, http.StatusNotFound, "file %s not found", uid)
	default:
		klog.Errorf("get %s failed: %v", uid, err)
		replyError(c, http.StatusInternalServerError, "retrieval failed")
	}
}

func (s *httpServer) handleDelete(c *fasthttp.RequestCtx, uid string) {
	args := c.QueryArgs()
	createdAt, err := parseTimestamp(string(args.Peek("created_at")))
	if err != nil {
		replyError(c, http.StatusBadRequest, "created_at: %v", err)
		return
	}
	deletedBy := string(args.Peek("deleted_by"))
	if strings.TrimSpace(deletedBy) == "" {
		replyError(c, http.StatusBadRequest, "deleted_by must not be blank")
		return
	}
	reason := string(args.Peek("reason"))
	if _, ok := validDeletionReasons[reason]; !ok {
		replyError(c, http.StatusBadRequest, "invalid deletion reason %q", reason)
		return
	}
	ticketID := string(args.Peek("ticket_id"))

	err = s.files.Delete(c, uid, createdAt, deletedBy, reason, ticketID)
	switch {
	case err == nil:
		replyJSON(c, http.StatusOK, map[string]string{
			"status":     "deleted",
			"uid":        uid,
			"deleted_by": deletedBy,
			"reason":     reason,
		})
	case errors.Is(err, sidecar.ErrAlreadyDeleted):
		replyError(c, http.StatusGone, "file %s is already deleted", uid)
	case errors.Is(err, retrieve.ErrNotFound):
		replyError(c, http.StatusNotFound, "file %s not found", uid)
	default:
		klog.Errorf("delete %s failed: %v", uid, err)
		replyError(c, http.StatusInternalServerError, "deletion failed")
	}
}

type retentionRequest struct {
	CreatedAt string `json:"created_at"`
	DueDate   string `json:"due_date"`
}

func (s *httpServer) handleRetentionPolicy(c *fasthttp.RequestCtx, uid string) {
	if s.retention == nil {
		replyError(c, http.StatusServiceUnavailable, "extended retention is not configured")
		return
	}
	var req retentionRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		replyError(c, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	createdAt, err := parseTimestamp(req.CreatedAt)
	if err != nil {
		replyError(c, http.StatusBadRequest, "created_at: %v", err)
		return
	}
	dueDate, err := parseTimestamp(req.DueDate)
	if err != nil {
		replyError(c, http.StatusBadRequest, "due_date: %v", err)
		return
	}

	result, err := s.retention.SetRetentionPolicy(c, uid, createdAt, dueDate, s.files)
	switch {
	case err == nil:
		replyJSON(c, http.StatusOK, result)
	case errors.Is(err, retention.ErrPastDueDate):
		replyError(c, http.StatusBadRequest, "%v", err)
	case errors.Is(err, retrieve.ErrTombstoned):
		replyError(c, http.StatusGone, "file %s has been deleted", uid)
	case errors.Is(err, retrieve.ErrNotFound):
		replyError(c, http.StatusNotFound, "file %s not found", uid)
	default:
		klog.Errorf("retention-policy %s failed: %v", uid, err)
		replyError(c, http.StatusInternalServerError, "retention update failed")
	}
}
