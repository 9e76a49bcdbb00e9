package kurir

import (
	"errors"
	"net/netip"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

var hostProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.StrictDomainName(false),
)

const upperHex = "0123456789ABCDEF"

var (
	errEmptyHost = errors.New("empty host")
	errBadHost   = errors.New("host is neither a name nor an IP literal")
)

// Canonicalize converts a raw identifier into its canonical form. Two raw
// inputs naming the same resource produce the same Identifier, and
// canonicalizing an Identifier again returns it unchanged.
//
// Absolute URLs and resource paths (input beginning with a single "/") are
// accepted. Scheme and host are lower-cased, hosts are IDNA-mapped to ASCII,
// default ports and fragments are dropped, dot segments are resolved, escapes
// use upper-case hex and query parameters are sorted by key and then value.
func Canonicalize(raw string) (Identifier, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &InvalidIdentifierError{Raw: raw, Reason: "empty identifier"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", &InvalidIdentifierError{Raw: raw, Reason: "unparsable", Cause: err}
	}
	if u.Opaque != "" {
		return "", &InvalidIdentifierError{Raw: raw, Reason: "opaque identifiers are not supported"}
	}

	p, err := canonicalPath(u.EscapedPath())
	if err != nil {
		return "", &InvalidIdentifierError{Raw: raw, Reason: "bad path escape", Cause: err}
	}
	q, err := canonicalQuery(u.RawQuery)
	if err != nil {
		return "", &InvalidIdentifierError{Raw: raw, Reason: "bad query", Cause: err}
	}

	var b strings.Builder
	if u.Scheme == "" {
		if u.Host != "" || !strings.HasPrefix(raw, "/") {
			return "", &InvalidIdentifierError{Raw: raw, Reason: "missing scheme"}
		}
	} else {
		if u.Host == "" {
			return "", &InvalidIdentifierError{Raw: raw, Reason: "missing host"}
		}
		scheme := strings.ToLower(u.Scheme)
		host, err := canonicalHost(scheme, u.Hostname(), u.Port())
		if err != nil {
			return "", &InvalidIdentifierError{Raw: raw, Reason: "bad host", Cause: err}
		}
		b.WriteString(scheme)
		b.WriteString("://")
		if u.User != nil {
			b.WriteString(u.User.String())
			b.WriteByte('@')
		}
		b.WriteString(host)
	}

	b.WriteString(p)
	if q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return Identifier(b.String()), nil
}

// MustCanonicalize is Canonicalize for static identifiers; it panics on error.
func MustCanonicalize(raw string) Identifier {
	id, err := Canonicalize(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func canonicalHost(scheme, host, port string) (string, error) {
	host = strings.ToLower(host)
	if host == "" {
		return "", errEmptyHost
	}

	if addr, err := netip.ParseAddr(host); err == nil && addr.Zone() == "" {
		// IPv4-mapped literals keep their IPv6 form; they name a different authority
		if addr.Is4() {
			host = addr.String()
		} else {
			host = "[" + addr.String() + "]"
		}
	} else if strings.Contains(host, ":") {
		return "", errBadHost
	} else if !isASCII(host) {
		ascii, err := hostProfile.ToASCII(host)
		if err != nil {
			return "", err
		}
		host = ascii
	}

	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n > 65535 {
			return "", &strconv.NumError{Func: "port", Num: port, Err: strconv.ErrRange}
		}
		if port = strconv.Itoa(n); defaultPorts[scheme] != port {
			host += ":" + port
		}
	}
	return host, nil
}

// canonicalPath normalizes escapes and resolves dot segments of an escaped path.
func canonicalPath(escaped string) (string, error) {
	if escaped == "" {
		return "/", nil
	}

	normalized, err := normalizeEscapes(escaped)
	if err != nil {
		return "", err
	}

	trailing := strings.HasSuffix(normalized, "/") ||
		strings.HasSuffix(normalized, "/.") ||
		strings.HasSuffix(normalized, "/..")

	cleaned := path.Clean(normalized)
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	if trailing && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned, nil
}

// normalizeEscapes decodes escaped unreserved characters and upper-cases the
// hex digits of every escape that remains.
func normalizeEscapes(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2]) {
			return "", url.EscapeError(s[i:min(i+3, len(s))])
		}
		v := unhex(s[i+1])<<4 | unhex(s[i+2])
		if isUnreserved(v) {
			b.WriteByte(v)
		} else {
			b.WriteByte('%')
			b.WriteByte(upperHex[v>>4])
			b.WriteByte(upperHex[v&0x0f])
		}
		i += 2
	}
	return b.String(), nil
}

type queryPair struct{ key, value string }

// canonicalQuery sorts parameters by key, then value. Repeated keys are kept
// and empty pairs are dropped.
func canonicalQuery(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}

	var pairs []queryPair
	for part := range strings.SplitSeq(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return "", err
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return "", err
		}
		pairs = append(pairs, queryPair{key, value})
	}

	slices.SortStableFunc(pairs, func(a, b queryPair) int {
		if c := strings.Compare(a.key, b.key); c != 0 {
			return c
		}
		return strings.Compare(a.value, b.value)
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String(), nil
}

func isUnreserved(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
