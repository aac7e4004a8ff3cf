package delivery

import (
	"context"
	"io"
	"net/http"
)

// Request describes where a report is uploaded. It is plain data so it can
// travel through a message queue or a database row and come back intact.
type Request struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header,omitempty"`
}

// NewRequest returns a request template with an empty header set.
func NewRequest(method, url string) Request {
	if method == "" {
		method = http.MethodPost
	}
	return Request{Method: method, URL: url, Header: http.Header{}}
}

// Clone returns a deep copy whose header is always non-nil.
func (r Request) Clone() Request {
	out := Request{Method: r.Method, URL: r.URL}
	if r.Header != nil {
		out.Header = r.Header.Clone()
	} else {
		out.Header = http.Header{}
	}
	return out
}

// HTTPRequest builds the outgoing request carrying body.
func (r Request) HTTPRequest(ctx context.Context, body io.Reader) (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vals := range r.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}
