// Package api exposes the query surface consumed by the dashboard: time
// series history, summary statistics, correlation analytics, CSV export,
// and plugin/weight administration.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/safety.report/internal/aggregate"
	"github.com/banshee-data/safety.report/internal/correlate"
	"github.com/banshee-data/safety.report/internal/index"
	"github.com/banshee-data/safety.report/internal/pipeline"
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Server holds the query-side collaborators.
type Server struct {
	agg      *aggregate.Service
	engine   *correlate.Engine
	registry *index.Registry
	writer   *pipeline.MultiWriter
	records  aggregate.RecordSource
	audit    index.WeightChangeStore
}

// NewServer wires the API server. engine and writer may be nil when the
// corresponding surface is not deployed; their routes then report
// unavailable.
func NewServer(agg *aggregate.Service, engine *correlate.Engine, registry *index.Registry, writer *pipeline.MultiWriter, records aggregate.RecordSource, audit index.WeightChangeStore) *Server {
	return &Server{
		agg:      agg,
		engine:   engine,
		registry: registry,
		writer:   writer,
		records:  records,
		audit:    audit,
	}
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/history/{intersectionID}", s.handleHistory)
	mux.HandleFunc("GET /api/history/{intersectionID}/stats", s.handleStats)
	mux.HandleFunc("GET /api/history/{intersectionID}/export", s.handleExport)
	mux.HandleFunc("GET /api/analytics/correlation", s.handleCorrelation)
	mux.HandleFunc("GET /api/plugins", s.handleListPlugins)
	mux.HandleFunc("GET /api/plugins/validate", s.handleValidateWeights)
	mux.HandleFunc("POST /api/plugins/{name}/weight", s.handleWeightChange)
	mux.HandleFunc("GET /api/weight_changes", s.handleWeightChanges)
	mux.HandleFunc("GET /api/writer_stats", s.handleWriterStats)
	mux.HandleFunc("GET /debug/charts/history", s.handleHistoryChart)
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
