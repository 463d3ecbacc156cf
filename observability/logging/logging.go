// Package logging configures structured JSON logging for the block builder.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup configures the standard library logger to emit structured JSON to
// stdout and returns the underlying slog.Logger. Every line carries the
// service name and cluster id so logs from multiple builder instances can be
// told apart.
func Setup(service, clusterID string) *slog.Logger {
	return SetupWithWriter(service, clusterID, os.Stdout)
}

// SetupWithWriter is Setup with a caller-chosen sink, e.g. a MultiWriter
// over stdout and a RotatingFile.
func SetupWithWriter(service, clusterID string, w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if clusterID = strings.TrimSpace(clusterID); clusterID != "" {
		attrs = append(attrs, slog.String("cluster_id", clusterID))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
