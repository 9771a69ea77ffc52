package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/sandbox"
)

// noopModule is a minimal wasm command module whose _start returns
// immediately: header, one ()->() type, one function, a "_start" export,
// and an empty body.
var noopModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type section: () -> ()
	0x03, 0x02, 0x01, 0x00, // function section: func 0 uses type 0
	0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00, // export "_start"
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // code section: empty body
}

// spinModule is identical except its body loops forever.
var spinModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, // code section, one body, no locals
	0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b, // loop { br 0 } end
}

func TestWASMRunNoop(t *testing.T) {
	iso := sandbox.NewWASMIsolate()
	art, err := iso.Compile(context.Background(), sandbox.Unit{Binary: noopModule})
	require.NoError(t, err)

	res, err := iso.Run(context.Background(), art, map[string]any{"a": 1}, sandbox.Policy{})
	require.NoError(t, err)
	require.Nil(t, res.Output, "a silent module yields no output")
	require.GreaterOrEqual(t, res.CPUTimeMs, int64(0))
}

func TestWASMCompileRejectsGarbage(t *testing.T) {
	iso := sandbox.NewWASMIsolate()
	_, err := iso.Compile(context.Background(), sandbox.Unit{Binary: []byte("not wasm")})
	require.Error(t, err)
	require.True(t, fn.IsName(err, fn.ErrValidation))

	_, err = iso.Compile(context.Background(), sandbox.Unit{Code: "text"})
	require.Error(t, err, "wasm units must be binary")
}

func TestWASMContextDeadline(t *testing.T) {
	iso := sandbox.NewWASMIsolate()
	art, err := iso.Compile(context.Background(), sandbox.Unit{Binary: spinModule})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = iso.Run(ctx, art, nil, sandbox.Policy{})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWASMCPULimit(t *testing.T) {
	iso := sandbox.NewWASMIsolate()
	art, err := iso.Compile(context.Background(), sandbox.Unit{Binary: spinModule})
	require.NoError(t, err)

	_, err = iso.Run(context.Background(), art, nil, sandbox.Policy{CPUTimeLimitMs: 100})
	require.Error(t, err)
	require.True(t, fn.IsName(err, fn.ErrLimit))
	var fe *fn.Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, fn.LimitCPU, fe.Limit)
	require.Regexp(t, `(?i)cpu|limit|exceeded`, fe.Message)
}

func TestWASMType(t *testing.T) {
	require.Equal(t, sandbox.TypeWASM, sandbox.NewWASMIsolate().Type())
}
