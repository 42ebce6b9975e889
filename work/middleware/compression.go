package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"eplustv/work/logger"

	"github.com/klauspost/compress/gzip"
)

// gzipWriterPool keeps reusable gzip writers so playlist responses don't pay
// an allocation per request. BestSpeed favors throughput over ratio; playlist
// bodies are small and text-heavy, they compress well either way.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter wraps an http.ResponseWriter with a gzip-compressing
// io.Writer, intercepting Write calls so response bodies are compressed
// transparently. It tracks header write state for status code handling.
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
}

// WriteHeader records the status code on the underlying ResponseWriter and
// marks the header as written so later Write calls don't repeat it.
func (w *gzipResponseWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

// Write compresses the slice into the gzip writer, defaulting the status to
// 200 OK if no explicit WriteHeader call preceded the first body chunk.
func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Flush drains the gzip buffer and then the underlying response writer so
// incremental responses reach the client without waiting for close.
func (w *gzipResponseWriter) Flush() {
	if gzw, ok := w.Writer.(*gzip.Writer); ok {
		gzw.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// GzipMiddleware wraps a handler with transparent gzip response compression.
// Clients that don't advertise gzip in Accept-Encoding pass through
// unmodified. The pooled writer is always closed and returned, even if the
// downstream handler panics.
func GzipMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next(w, r)
			return
		}

		// compressed size is unknown until the body is fully written
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logger.Error("{middleware/compression.go - GzipMiddleware} failed to close gzip writer for: %s %s - %v", r.Method, r.URL.Path, err)
			}
			gzipWriterPool.Put(gz)
		}()

		gzw := &gzipResponseWriter{
			Writer:         gz,
			ResponseWriter: w,
		}
		next(gzw, r)
	}
}
