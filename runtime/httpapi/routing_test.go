package httpapi_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/invoqio/invoq/runtime/httpapi"
)

func TestParseFunctionPath(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		header string
		fid    string
		action httpapi.Action
	}{
		{name: "invoke", path: "/functions/adder/invoke", fid: "adder", action: httpapi.ActionInvoke},
		{name: "info", path: "/functions/adder/info", fid: "adder", action: httpapi.ActionInfo},
		{name: "action is case insensitive", path: "/functions/adder/INFO", fid: "adder", action: httpapi.ActionInfo},
		{name: "namespaced invoke", path: "/functions/lib/adder/invoke", fid: "lib/adder", action: httpapi.ActionInvoke},
		{name: "bare id", path: "/functions/adder", fid: "adder", action: httpapi.ActionNone},
		{name: "bare namespaced id", path: "/functions/lib/adder", fid: "lib/adder", action: httpapi.ActionNone},
		{name: "trailing slash", path: "/functions/adder/", fid: "adder", action: httpapi.ActionNone},
		{name: "query ignored", path: "/functions/adder/invoke?version=2.0.0", fid: "adder", action: httpapi.ActionInvoke},
		{name: "unknown trailing segment reads as namespace", path: "/functions/adder/destroy", fid: "adder/destroy", action: httpapi.ActionNone},
		{name: "deep unknown subpath splits at last slash", path: "/functions/lib/adder/extras", fid: "lib/adder", action: httpapi.ActionNone},
		{name: "empty remainder", path: "/functions/", fid: "", action: httpapi.ActionNone},
		{name: "unrelated path", path: "/healthz", fid: "", action: httpapi.ActionNone},
		{name: "header fallback", path: "/run", header: "adder", fid: "adder", action: httpapi.ActionNone},
		{name: "header is trimmed", path: "/run", header: "  adder  ", fid: "adder", action: httpapi.ActionNone},
		{name: "path wins over header", path: "/functions/muls/invoke", header: "adder", fid: "muls", action: httpapi.ActionInvoke},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tc.path, nil)
			if tc.header != "" {
				r.Header.Set(httpapi.FunctionIDHeader, tc.header)
			}
			route := httpapi.ParseFunctionPath(r)
			require.Equal(t, tc.fid, route.FunctionID)
			require.Equal(t, tc.action, route.Action)
		})
	}
}
