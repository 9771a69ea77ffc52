// Package safeurl gates outbound fetches performed on behalf of user code.
// It classifies a URL as safe or unsafe without resolving DNS: the decision
// is made purely from the parsed host, so a hostile resolver cannot change
// the verdict after the fact. Every outbound request triggered by function
// code, tool calls included, must pass Check first.
package safeurl

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/invoqio/invoq/runtime/fn"
)

type (
	// Decision is the structured verdict for one URL. Reason is set only
	// when Allowed is false.
	Decision struct {
		Allowed bool
		Reason  string
	}

	// blockedRange pairs an address prefix with the label used in refusal
	// reasons.
	blockedRange struct {
		prefix netip.Prefix
		label  string
	}
)

var blockedV4 = []blockedRange{
	{netip.MustParsePrefix("0.0.0.0/8"), "current-network"},
	{netip.MustParsePrefix("10.0.0.0/8"), "private"},
	{netip.MustParsePrefix("127.0.0.0/8"), "loopback"},
	{netip.MustParsePrefix("169.254.0.0/16"), "link-local"},
	{netip.MustParsePrefix("172.16.0.0/12"), "private"},
	{netip.MustParsePrefix("192.168.0.0/16"), "private"},
}

var blockedV6 = []blockedRange{
	{netip.MustParsePrefix("fc00::/7"), "unique-local"},
	{netip.MustParsePrefix("fe80::/10"), "link-local"},
}

// localHosts are the only hosts plain http may target.
var localHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// Check classifies raw. The checks run in a fixed order: parseability,
// scheme, http locality, host presence, blocked IPv4 literals, blocked IPv6
// literals (including IPv4-mapped forms), and finally bare-integer host
// encodings of IPv4 addresses. Anything that survives is allowed.
func Check(raw string) Decision {
	u, err := url.Parse(raw)
	if err != nil {
		return refuse("invalid URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return refuse(fmt.Sprintf("scheme %q is not allowed, only http and https", u.Scheme))
	}
	host := strings.ToLower(u.Hostname())
	if scheme == "http" && !localHosts[host] {
		return refuse("http is only allowed for localhost targets")
	}
	if host == "" {
		return refuse("URL has no host")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}
	if isBareInteger(host) {
		return refuse(fmt.Sprintf("host %q is a bare integer encoding of an IPv4 address", host))
	}
	return Decision{Allowed: true}
}

// Validate is Check surfaced as a structured error: nil when allowed, a
// ValidationError carrying the refusal reason otherwise.
func Validate(raw string) error {
	d := Check(raw)
	if d.Allowed {
		return nil
	}
	return fn.NewValidationError(fmt.Sprintf("unsafe URL: %s", d.Reason))
}

func checkAddr(addr netip.Addr) Decision {
	if addr.Is4In6() {
		mapped := addr.Unmap()
		if d := checkV4(mapped); !d.Allowed {
			return refuse(fmt.Sprintf("IPv4-mapped address: %s", d.Reason))
		}
		return Decision{Allowed: true}
	}
	if addr.Is4() {
		return checkV4(addr)
	}
	if addr.IsUnspecified() {
		return refuse(fmt.Sprintf("host %s is the unspecified address", addr))
	}
	if addr.IsLoopback() {
		return refuse(fmt.Sprintf("host %s is the loopback address", addr))
	}
	for _, r := range blockedV6 {
		if r.prefix.Contains(addr.WithZone("")) {
			return refuse(fmt.Sprintf("host %s is in the %s range %s", addr, r.label, r.prefix))
		}
	}
	return Decision{Allowed: true}
}

func checkV4(addr netip.Addr) Decision {
	for _, r := range blockedV4 {
		if r.prefix.Contains(addr) {
			return refuse(fmt.Sprintf("host %s is in the %s range %s", addr, r.label, r.prefix))
		}
	}
	return Decision{Allowed: true}
}

// isBareInteger reports whether host is a pure decimal, octal, or hex
// integer, the classic encodings smuggling an IPv4 address past naive
// filters (2130706433, 0x7f000001, 017700000001).
func isBareInteger(host string) bool {
	if host == "" {
		return false
	}
	if strings.HasPrefix(host, "0x") || strings.HasPrefix(host, "0X") {
		rest := host[2:]
		if rest == "" {
			return false
		}
		for _, r := range rest {
			if !isHexDigit(r) {
				return false
			}
		}
		return true
	}
	for _, r := range host {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func refuse(reason string) Decision {
	return Decision{Reason: reason}
}
