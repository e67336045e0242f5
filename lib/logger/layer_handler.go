package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LayerLogHandler wraps an slog.Handler and additionally writes records that
// carry a "layer" attribute to a per-layer launch.log file. This gives every
// layer its own readable history of launcher/puller activity without manual
// instrumentation at each call site.
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type LayerLogHandler struct {
	slog.Handler
	logPathFunc func(layer string) string
	state       *sharedState
}

type sharedState struct {
	mu        sync.Mutex
	fileCache map[string]*os.File
}

// NewLayerLogHandler creates a handler that wraps the given handler and also
// writes layer-tagged records to logPathFunc(layer).
func NewLayerLogHandler(wrapped slog.Handler, logPathFunc func(layer string) string) *LayerLogHandler {
	return &LayerLogHandler{
		Handler:     wrapped,
		logPathFunc: logPathFunc,
		state:       &sharedState{fileCache: make(map[string]*os.File)},
	}
}

// Handle processes a log record, passing it to the wrapped handler and
// mirroring it to the layer's log file if the record itself carries a
// "layer" attribute. Attributes attached through WithAttrs are not
// inspected.
func (h *LayerLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var layer string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "layer" {
			layer = a.Value.String()
			return false
		}
		return true
	})

	if layer != "" {
		h.writeToLayerLog(layer, r)
	}

	return nil
}

func (h *LayerLogHandler) writeToLayerLog(layer string, r slog.Record) {
	logPath := h.logPathFunc(layer)
	if logPath == "" {
		return
	}

	timestamp := r.Time.Format(time.RFC3339)
	level := r.Level.String()
	msg := r.Message

	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "layer" {
			attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		}
		return true
	})

	line := fmt.Sprintf("%s %s %s", timestamp, level, msg)
	for _, attr := range attrs {
		line += " " + attr
	}
	line += "\n"

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	f, ok := h.state.fileCache[layer]
	if !ok {
		dir := filepath.Dir(logPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return
		}
		var err error
		f, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		h.state.fileCache[layer] = f
	}

	f.WriteString(line)
}

// Enabled reports whether the handler handles records at the given level.
func (h *LayerLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

// WithAttrs returns a new handler with the given attributes, sharing state.
func (h *LayerLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LayerLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		state:       h.state,
	}
}

// WithGroup returns a new handler with the given group name, sharing state.
func (h *LayerLogHandler) WithGroup(name string) slog.Handler {
	return &LayerLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		state:       h.state,
	}
}

// CloseLayerLog closes and evicts a cached file handle for a layer. Call
// this when a layer's run ends.
func (h *LayerLogHandler) CloseLayerLog(layer string) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	if f, ok := h.state.fileCache[layer]; ok {
		f.Close()
		delete(h.state.fileCache, layer)
	}
}

// CloseAll closes all cached file handles.
func (h *LayerLogHandler) CloseAll() {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	for layer, f := range h.state.fileCache {
		f.Close()
		delete(h.state.fileCache, layer)
	}
}
