package safeurl_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/safeurl"
)

func TestCheckAcceptsPublicTargets(t *testing.T) {
	allowed := []string{
		"https://example.com",
		"https://example.com:8443/path?q=1",
		"https://8.8.8.8",
		"https://[2606:4700:4700::1111]/dns-query",
		"https://172.15.255.255",
		"https://172.32.0.0",
		"https://[::ffff:8.8.8.8]",
		"http://localhost:3000/dev",
		"http://127.0.0.1:8080",
		"http://[::1]:9000",
	}
	for _, raw := range allowed {
		d := safeurl.Check(raw)
		require.True(t, d.Allowed, "url %s refused: %s", raw, d.Reason)
	}
}

func TestCheckRefusesBlockedTargets(t *testing.T) {
	cases := []struct {
		raw    string
		reason string
	}{
		{"http://exa mple.com", "invalid URL"},
		{"ftp://example.com/file", "scheme"},
		{"file:///etc/passwd", "scheme"},
		{"http://example.com", "localhost"},
		{"https://", "no host"},
		{"https://0.0.0.1", "current-network"},
		{"https://10.1.2.3", "private"},
		{"https://127.0.0.1", "loopback"},
		{"https://169.254.169.254/latest/meta-data/", "link-local"},
		{"https://172.16.0.0", "private"},
		{"https://172.31.255.255", "private"},
		{"https://192.168.1.1", "private"},
		{"https://[::]", "unspecified"},
		{"https://[::1]", "loopback"},
		{"https://[fc00::1]", "unique-local"},
		{"https://[fd12:3456::1]", "unique-local"},
		{"https://[fe80::1]", "link-local"},
		{"https://[::ffff:127.0.0.1]", "loopback"},
		{"https://[::ffff:10.0.0.1]", "private"},
		{"https://2130706433", "bare integer"},
		{"https://0x7f000001", "bare integer"},
		{"https://017700000001", "bare integer"},
	}
	for _, c := range cases {
		d := safeurl.Check(c.raw)
		require.False(t, d.Allowed, "url %s", c.raw)
		require.Contains(t, d.Reason, c.reason, "url %s", c.raw)
	}
}

func TestCheckPrivateBoundary(t *testing.T) {
	require.True(t, safeurl.Check("https://172.15.255.255").Allowed)
	require.False(t, safeurl.Check("https://172.16.0.0").Allowed)
	require.False(t, safeurl.Check("https://172.31.255.255").Allowed)
	require.True(t, safeurl.Check("https://172.32.0.0").Allowed)
}

func TestCheckIsReferentiallyTransparent(t *testing.T) {
	urls := []string{
		"https://example.com",
		"https://169.254.169.254/latest/meta-data/",
		"https://2130706433",
	}
	for _, raw := range urls {
		first := safeurl.Check(raw)
		for i := 0; i < 5; i++ {
			require.Equal(t, first, safeurl.Check(raw), "url %s", raw)
		}
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, safeurl.Validate("https://example.com"))

	err := safeurl.Validate("https://169.254.169.254/latest/meta-data/")
	require.Error(t, err)
	require.True(t, fn.IsName(err, fn.ErrValidation))
	require.Contains(t, err.Error(), "link-local")
}
