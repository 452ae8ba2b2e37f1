package edgefunc

import (
	"context"
	"time"
)

// Category classifies a pipeline step and decides which pipeline it is
// eligible for. Everything except response modifiers acts on the request
// side.
type Category string

const (
	CategoryRequestModifier  Category = "request_modifier"
	CategoryResponseModifier Category = "response_modifier"
	CategoryAuthentication   Category = "authentication"
	CategoryRateLimiting     Category = "rate_limiting"
	CategoryABTesting        Category = "ab_testing"
	CategoryPersonalization  Category = "personalization"
)

func (c Category) requestSide() bool {
	return c != CategoryResponseModifier
}

// Config is the descriptor for one pipeline step. Registration replaces a
// prior config with the same name wholesale; there is no partial update.
type Config struct {
	Name          string
	Category      Category
	Enabled       bool
	Priority      int // lower runs first
	Timeout       time.Duration
	MemoryLimitMB int     // informational ceiling
	CPULimit      float64 // informational ceiling
	Environment   map[string]string
}

// Request is the mutable-in-pipeline view of an inbound request. Steps
// receive a copy and return a (possibly new) value; the runtime threads the
// latest value to the next step. Header keys are lowercase by convention.
type Request struct {
	Method    string
	URL       string
	Headers   map[string]string
	Body      []byte
	ClientIP  string
	UserAgent string
	Country   string
	Region    string
	City      string
	Timestamp time.Time
}

func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Headers = make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		clone.Headers[k] = v
	}
	return &clone
}

func (r *Request) Header(key string) string {
	return r.Headers[key]
}

func (r *Request) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
}

// Response is the mutable-in-pipeline view of an outbound response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Modified   bool
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Headers = make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		clone.Headers[k] = v
	}
	return &clone
}

func (r *Response) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
}

// RequestModifier is the capability interface for request-side steps.
type RequestModifier interface {
	ModifyRequest(ctx context.Context, req *Request) (*Request, error)
}

// ResponseModifier is the capability interface for response-side steps. The
// request is visible for context but steps are never required to mutate it.
type ResponseModifier interface {
	ModifyResponse(ctx context.Context, req *Request, resp *Response) (*Response, error)
}

// RequestModifierFunc adapts a function to the RequestModifier interface.
type RequestModifierFunc func(ctx context.Context, req *Request) (*Request, error)

func (f RequestModifierFunc) ModifyRequest(ctx context.Context, req *Request) (*Request, error) {
	return f(ctx, req)
}

// ResponseModifierFunc adapts a function to the ResponseModifier interface.
type ResponseModifierFunc func(ctx context.Context, req *Request, resp *Response) (*Response, error)

func (f ResponseModifierFunc) ModifyResponse(ctx context.Context, req *Request, resp *Response) (*Response, error) {
	return f(ctx, req, resp)
}
