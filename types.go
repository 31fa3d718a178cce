package gentlefetch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// Request describes one logical request.
type Request struct {
	Method string
	URL    string
	Params url.Values
	Header http.Header
	Body   []byte
	// Form and JSON are encoded into Body with the matching Content-Type when Body is empty.
	Form url.Values
	JSON any
}

// NewGetRequest builds a GET request with optional query parameters.
func NewGetRequest(rawURL string, params url.Values) *Request {
	return &Request{Method: http.MethodGet, URL: rawURL, Params: params}
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// CacheOptions controls cache use for one call.
type CacheOptions struct {
	UseCache bool
	// MaxAge is the freshness window. Zero means the client default.
	MaxAge time.Duration
}

// Response is the outcome of a successful logical request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Proxy is the proxy used by the final attempt, empty when direct or cached.
	Proxy     string
	Attempts  int
	FromCache bool
	Duration  time.Duration
}

// Text returns the body as a string.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return string(r.Body)
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

func (r *Response) clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

// Result is the terminal outcome of one request in a batch.
type Result struct {
	Response *Response
	Err      error
}

// Ratio is a derived rate that is undefined when its denominator is zero.
type Ratio struct {
	Value float64
	Valid bool
}

func newRatio(num, den float64) Ratio {
	if den == 0 {
		return Ratio{}
	}
	return Ratio{Value: num / den, Valid: true}
}

// String renders the ratio as a percentage, or N/A when undefined.
func (r Ratio) String() string {
	if !r.Valid {
		return "N/A"
	}
	return fmt.Sprintf("%.2f%%", r.Value*100)
}

// MarshalJSON renders null when undefined.
func (r Ratio) MarshalJSON() ([]byte, error) {
	if !r.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

// UnmarshalJSON accepts a number or null.
func (r *Ratio) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = Ratio{}
		return nil
	}
	if err := json.Unmarshal(b, &r.Value); err != nil {
		return err
	}
	r.Valid = true
	return nil
}

// encodeBody returns the wire body and the Content-Type it implies. An
// explicit Body wins over Form, which wins over JSON.
func (r *Request) encodeBody() ([]byte, string, error) {
	switch {
	case len(r.Body) > 0:
		return r.Body, "", nil
	case len(r.Form) > 0:
		return []byte(r.Form.Encode()), "application/x-www-form-urlencoded", nil
	case r.JSON != nil:
		b, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, "", err
		}
		return b, "application/json", nil
	default:
		return nil, "", nil
	}
}
