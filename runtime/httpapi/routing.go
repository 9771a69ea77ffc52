// Package httpapi is the invocation plane's HTTP surface: the routing
// rules mapping paths and headers to function ids and actions, the JSON
// response helpers, the rate-limit and trace middleware, and the invoke
// and info handlers.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/invoqio/invoq/runtime/fn"
)

type (
	// Action is what a routed request asks for.
	Action string

	// Route is the function id and action extracted from a request.
	Route struct {
		// FunctionID is empty when neither path nor header carried one.
		FunctionID string
		// Action is ActionNone for bare function paths and unknown
		// subpaths.
		Action Action
	}
)

const (
	// ActionNone marks a route without a recognized action.
	ActionNone Action = ""
	// ActionInvoke runs the function.
	ActionInvoke Action = "invoke"
	// ActionInfo describes the function.
	ActionInfo Action = "info"
)

// FunctionIDHeader is the fallback source for the function id when the
// path does not carry one. The path wins when both are present.
const FunctionIDHeader = "X-Function-Id"

// ParseFunctionPath extracts the function id and action from a request.
// Recognized shapes are /functions/<fid>, /functions/<fid>/invoke, and
// /functions/<fid>/info with case-insensitive actions; any other subpath
// routes with ActionNone. Ids may carry one namespace slash, so a
// trailing action segment is matched before the id. Query parameters
// never contribute.
func ParseFunctionPath(r *http.Request) Route {
	route := routeFromPath(r.URL.Path)
	if route.FunctionID == "" {
		route.FunctionID = strings.TrimSpace(r.Header.Get(FunctionIDHeader))
	}
	return route
}

func routeFromPath(path string) Route {
	rest, ok := strings.CutPrefix(path, "/functions/")
	if !ok {
		return Route{}
	}
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" {
		return Route{}
	}
	if fid, action, ok := cutAction(rest); ok {
		return Route{FunctionID: fid, Action: action}
	}
	if fn.ValidateID(rest) == nil {
		return Route{FunctionID: rest}
	}
	// Unknown subpath: the id is whatever precedes the last segment.
	if idx := strings.LastIndexByte(rest, '/'); idx > 0 {
		return Route{FunctionID: rest[:idx]}
	}
	return Route{FunctionID: rest}
}

// cutAction splits a recognized trailing action segment off the path
// remainder.
func cutAction(rest string) (string, Action, bool) {
	idx := strings.LastIndexByte(rest, '/')
	if idx <= 0 {
		return "", ActionNone, false
	}
	switch strings.ToLower(rest[idx+1:]) {
	case "invoke":
		return rest[:idx], ActionInvoke, true
	case "info":
		return rest[:idx], ActionInfo, true
	}
	return "", ActionNone, false
}
