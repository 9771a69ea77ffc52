package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/invoqio/invoq/runtime/trace"
)

type (
	// HTTPOptions configures the HTTP exporter.
	HTTPOptions struct {
		// Endpoint is the collector URL traces are POSTed to. Required.
		Endpoint string
		// Headers are set on every request in addition to Content-Type.
		Headers map[string]string
		// Client overrides the HTTP client. Defaults to a client with a
		// 10 second timeout.
		Client *http.Client
		// BatchSize caps spans per request. Defaults to DefaultBatchSize.
		BatchSize int
	}

	httpExporter struct {
		endpoint string
		headers  map[string]string
		client   *http.Client
	}
)

// NewHTTP returns an exporter that POSTs JSON-encoded span batches to a
// collector endpoint.
func NewHTTP(opts HTTPOptions) (trace.Exporter, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("export: endpoint is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	e := &httpExporter{
		endpoint: opts.Endpoint,
		headers:  opts.Headers,
		client:   client,
	}
	return NewBatcher(opts.BatchSize, e.send), nil
}

func (e *httpExporter) send(ctx context.Context, batch *trace.Exported) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", e.endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: status %d", e.endpoint, resp.StatusCode)
	}
	return nil
}
