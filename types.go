package kurir

import (
	"bytes"
	"net/http"
	"strings"
	"time"
)

// Identifier is a canonical key for one fetchable resource. Values are
// produced by Canonicalize; equal resources always produce equal identifiers.
type Identifier string

// String implements fmt.Stringer.
func (id Identifier) String() string { return string(id) }

// FetchRequest describes one fetch. It is immutable once built: NewFetchRequest
// copies the header and body it is given and accessors return copies.
type FetchRequest struct {
	identifier Identifier
	method     string
	header     http.Header
	body       []byte
	deadline   time.Time
	bucket     string
	ttl        time.Duration
	requestID  string
}

// NewFetchRequest builds an immutable request. An empty method means GET.
func NewFetchRequest(id Identifier, method string, header http.Header, body []byte, deadline time.Time) *FetchRequest {
	if method == "" {
		method = http.MethodGet
	}
	var b []byte
	if body != nil {
		b = bytes.Clone(body)
	}
	return &FetchRequest{
		identifier: id,
		method:     method,
		header:     header.Clone(),
		body:       b,
		deadline:   deadline,
	}
}

func (r *FetchRequest) Identifier() Identifier { return r.identifier }
func (r *FetchRequest) Method() string         { return r.method }
func (r *FetchRequest) Header() http.Header    { return r.header.Clone() }
func (r *FetchRequest) Body() []byte           { return bytes.Clone(r.body) }
func (r *FetchRequest) Deadline() time.Time    { return r.deadline }

// Bucket is the throttle/circuit bucket the request is accounted against.
func (r *FetchRequest) Bucket() string { return r.bucket }

// RequestID is the correlation id assigned at submission.
func (r *FetchRequest) RequestID() string { return r.requestID }

// FetchResult is the outcome of a successful fetch. It is shared read-only
// between the cache and every caller, so callers must not mutate it.
type FetchResult struct {
	Identifier Identifier
	Status     int
	Header     http.Header
	Payload    []byte
	FetchedAt  time.Time
	// TTL is how long the result may be served from cache without revalidation.
	// Zero results are stored only when they carry no-cache and a validator.
	TTL      time.Duration
	Attempts int
}

// Transport is the pluggable network capability used by the fetcher. *http.Client satisfies it.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(*http.Request) (*http.Response, error)

// Do implements Transport.
func (f TransportFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Middleware wraps a transport call, e.g. for auth headers or logging.
type Middleware func(req *http.Request, next Transport) (*http.Response, error)

// Operation is an access operation granted by a policy decision.
type Operation int

const (
	OpCreate Operation = iota
	OpRead
	OpUpdate
	OpDelete
	OpExecute
)

var operationNames = [...]string{"CREATE", "READ", "UPDATE", "DELETE", "EXECUTE"}

func (o Operation) String() string {
	if o < OpCreate || o > OpExecute {
		return "UNKNOWN"
	}
	return operationNames[o]
}

// ParseOperation converts a case-insensitive operation name.
func ParseOperation(name string) (Operation, bool) {
	for i, n := range operationNames {
		if strings.EqualFold(n, name) {
			return Operation(i), true
		}
	}
	return 0, false
}

// OperationForMethod maps an HTTP method to the operation it needs.
func OperationForMethod(method string) Operation {
	switch method {
	case http.MethodPost:
		return OpCreate
	case http.MethodPut, http.MethodPatch:
		return OpUpdate
	case http.MethodDelete:
		return OpDelete
	case http.MethodGet, http.MethodHead, http.MethodOptions, "":
		return OpRead
	default:
		return OpExecute
	}
}
