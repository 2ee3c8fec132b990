package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ProviderConfig configures the span pipeline.
type ProviderConfig struct {
	Enabled bool
	// Exporter is "file", "stdout", or "none".
	Exporter string
	// FilePath is the JSONL output for the file exporter.
	FilePath string
	// ServiceName identifies this process in spans.
	ServiceName string
}

// Provider owns the tracer used to span task executions and review loops.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewProvider builds the span pipeline. Disabled tracing yields a no-op
// tracer with zero overhead.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("noop")}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file exporter requires a file path")
		}
		exporter, err = newSpanFileExporter(cfg.FilePath)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none", "":
		exporter = nil
	default:
		err = fmt.Errorf("unknown exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = "agentq"
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	return &Provider{provider: provider, tracer: provider.Tracer(name)}, nil
}

// Tracer returns the tracer; safe to use when tracing is disabled.
func (p *Provider) Tracer() oteltrace.Tracer {
	return p.tracer
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// spanFileExporter writes finished spans to a JSONL file.
type spanFileExporter struct {
	mu   sync.Mutex
	file *os.File
}

func newSpanFileExporter(path string) (*spanFileExporter, error) {
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0750); err != nil {
		return nil, fmt.Errorf("create span directory: %w", err)
	}
	f, err := os.OpenFile(clean, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600) //nolint:gosec // G304: path is cleaned above
	if err != nil {
		return nil, fmt.Errorf("open span file: %w", err)
	}
	return &spanFileExporter{file: f}, nil
}

// spanRow is the flat JSONL shape, one finished span per line.
type spanRow struct {
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_span_id,omitempty"`
	Name       string         `json:"name"`
	Start      string         `json:"start_time"`
	DurationMS float64        `json:"duration_ms"`
	Status     string         `json:"status"`
	StatusMsg  string         `json:"status_message,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e *spanFileExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	enc := json.NewEncoder(e.file)
	for _, span := range spans {
		row := spanRow{
			TraceID:    span.SpanContext().TraceID().String(),
			SpanID:     span.SpanContext().SpanID().String(),
			Name:       span.Name(),
			Start:      span.StartTime().Format(time.RFC3339Nano),
			DurationMS: float64(span.EndTime().Sub(span.StartTime()).Microseconds()) / 1000.0,
		}
		if span.Parent().IsValid() {
			row.ParentID = span.Parent().SpanID().String()
		}
		switch span.Status().Code {
		case codes.Ok:
			row.Status = "OK"
		case codes.Error:
			row.Status = "ERROR"
			row.StatusMsg = span.Status().Description
		default:
			row.Status = "UNSET"
		}
		if attrs := span.Attributes(); len(attrs) > 0 {
			row.Attributes = make(map[string]any, len(attrs))
			for _, kv := range attrs {
				row.Attributes[string(kv.Key)] = kv.Value.AsInterface()
			}
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encode span: %w", err)
		}
	}
	return nil
}

func (e *spanFileExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file != nil {
		err := e.file.Close()
		e.file = nil
		return err
	}
	return nil
}
