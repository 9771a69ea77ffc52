package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/safeurl"
	"github.com/invoqio/invoq/runtime/sandbox"
)

// maxSourceBytes caps how much code a URL source may deliver.
const maxSourceBytes = 10 << 20

// wasmMagic is the WebAssembly module preamble.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// resolveSource turns a definition's source reference into a compilable
// unit. Inline code is used as is, object sources read the object surface
// by raw key, URL sources fetch over guarded HTTPS, and registry sources
// read another function's stored code.
func (e *Executor) resolveSource(ctx context.Context, def *fn.Definition) (sandbox.Unit, error) {
	src := def.Code.Source
	kind, err := src.Kind()
	if err != nil {
		return sandbox.Unit{}, err
	}
	binary := wantsBinary(def.Code.Language)

	switch kind {
	case "inline":
		if binary {
			return sandbox.Unit{Binary: inlineBinary(src.Inline)}, nil
		}
		return sandbox.Unit{Code: src.Inline}, nil

	case "object":
		data, err := e.store.GetObject(ctx, src.ObjectKey)
		if err != nil {
			return sandbox.Unit{}, err
		}
		if data == nil {
			return sandbox.Unit{}, fn.NewNotFoundError(fmt.Sprintf("code object %q not found", src.ObjectKey))
		}
		return asUnit(data, binary), nil

	case "url":
		data, err := e.fetchSource(ctx, src.URL)
		if err != nil {
			return sandbox.Unit{}, err
		}
		return asUnit(data, binary), nil

	case "registry":
		ref := src.Registry
		version := ref.Version
		var data []byte
		if binary {
			data, err = e.store.GetBinary(ctx, ref.FunctionID, version)
		} else {
			data, err = e.store.Get(ctx, ref.FunctionID, version)
		}
		if err != nil {
			return sandbox.Unit{}, err
		}
		if data == nil {
			shown := version
			if shown == "" {
				shown = fn.Latest
			}
			return sandbox.Unit{}, fn.NewNotFoundError(fmt.Sprintf("no stored code for function %s@%s", ref.FunctionID, shown))
		}
		return asUnit(data, binary), nil
	}
	return sandbox.Unit{}, fn.NewValidationError(fmt.Sprintf("unsupported source kind %q", kind))
}

// fetchSource downloads code from an HTTPS location. The URL passes the
// outbound guard first, so private and link-local targets are refused
// before any connection is attempted.
func (e *Executor) fetchSource(ctx context.Context, raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Scheme, "https") {
		return nil, fn.NewValidationError(fmt.Sprintf("code URL %q must use https", raw))
	}
	if err := safeurl.Validate(raw); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fn.NewValidationError(fmt.Sprintf("invalid code URL %q", raw))
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fn.NewTransportError(fmt.Sprintf("fetch code from %s: %v", u.Host, err), err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fn.NewNotFoundError(fmt.Sprintf("code URL %s returned 404", raw))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fn.NewTransportError(fmt.Sprintf("fetch code from %s: status %d", u.Host, resp.StatusCode), nil)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, fn.NewTransportError(fmt.Sprintf("read code from %s: %v", u.Host, err), err)
	}
	if len(data) > maxSourceBytes {
		return nil, fn.NewLimitError(fn.LimitMemory, fmt.Sprintf("code from %s exceeds %d bytes", u.Host, maxSourceBytes))
	}
	return data, nil
}

// wantsBinary reports whether the language compiles to a WASM binary
// rather than source text.
func wantsBinary(lang fn.Language) bool {
	t, err := sandbox.TypeForLanguage(lang)
	return err == nil && t == sandbox.TypeWASM
}

func asUnit(data []byte, binary bool) sandbox.Unit {
	if binary {
		return sandbox.Unit{Binary: data}
	}
	return sandbox.Unit{Code: string(data)}
}

// inlineBinary interprets an inline source for a compiled language: base64
// when it decodes to a WASM module, raw bytes otherwise.
func inlineBinary(inline string) []byte {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(inline))
	if err == nil && len(decoded) >= len(wasmMagic) && string(decoded[:len(wasmMagic)]) == string(wasmMagic) {
		return decoded
	}
	return []byte(inline)
}
