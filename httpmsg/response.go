// Package httpmsg holds the plain HTTP response model shared by the
// authorization rejection path and the generic HTTP dispatch table.
package httpmsg

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

const (
	DefaultContentType = "text/plain"
	DefaultCharset     = "UTF-8"
)

// Response is a status, headers and an optional body with its declared
// content type and charset. The zero value is not useful; use New or one of
// the status helpers.
type Response struct {
	Status      int
	Header      http.Header
	Body        string
	ContentType string
	Charset     string
}

// New returns an empty response with the given status.
func New(status int) *Response {
	return &Response{
		Status:      status,
		Header:      make(http.Header),
		ContentType: DefaultContentType,
		Charset:     DefaultCharset,
	}
}

func OK() *Response                  { return New(http.StatusOK) }
func Unauthorized() *Response        { return New(http.StatusUnauthorized) }
func InternalServerError() *Response { return New(http.StatusInternalServerError) }

// TemporaryRedirect returns a 307 pointing at location.
func TemporaryRedirect(location string) *Response {
	return New(http.StatusTemporaryRedirect).AddHeader("Location", location)
}

// AddHeader appends a header value.
func (r *Response) AddHeader(name, value string) *Response {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Add(name, value)
	return r
}

// SetHeaders appends every value in h.
func (r *Response) SetHeaders(h http.Header) *Response {
	for name, values := range h {
		for _, v := range values {
			r.AddHeader(name, v)
		}
	}
	return r
}

// SetBody sets the body, keeping the current content type and charset.
func (r *Response) SetBody(body string) *Response {
	r.Body = body
	return r
}

// SetBodyType sets the body and its content type.
func (r *Response) SetBodyType(body, contentType string) *Response {
	r.Body = body
	r.ContentType = contentType
	return r
}

// SetBodyCharset sets the body, its content type and the charset it is
// encoded in on the wire.
func (r *Response) SetBodyCharset(body, contentType, charset string) *Response {
	r.Body = body
	r.ContentType = contentType
	r.Charset = charset
	return r
}

// HasBody reports whether a body will be written.
func (r *Response) HasBody() bool {
	return r.Body != ""
}

// MediaType returns the Content-Type header value for the body: the declared
// content type as given, with any charset parameter replaced by
// "charset=<lowercase charset>".
func (r *Response) MediaType() string {
	ct := strings.TrimSpace(r.ContentType)
	if ct == "" {
		ct = DefaultContentType
	}
	parts := strings.Split(ct, ";")
	kept := []string{parts[0]}
	for _, p := range parts[1:] {
		name, _, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(strings.TrimSpace(name), "charset") {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, ";") + "; charset=" + strings.ToLower(r.charset())
}

// EncodedBody returns the body encoded in the declared charset.
func (r *Response) EncodedBody() ([]byte, error) {
	cs := r.charset()
	if strings.EqualFold(cs, "utf-8") || strings.EqualFold(cs, "utf8") {
		return []byte(r.Body), nil
	}
	enc, err := ianaindex.IANA.Encoding(cs)
	if err != nil {
		return nil, fmt.Errorf("charset %q: %w", cs, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("charset %q: unsupported", cs)
	}
	s, err := enc.NewEncoder().String(r.Body)
	if err != nil {
		return nil, fmt.Errorf("charset %q: %w", cs, err)
	}
	return []byte(s), nil
}

func (r *Response) charset() string {
	if r.Charset == "" {
		return DefaultCharset
	}
	return r.Charset
}

// Write writes resp to w and marks the connection to be closed once the
// response is flushed. When the body cannot be encoded in its charset a bare
// 500 is written instead and the encoding error is returned.
func Write(w http.ResponseWriter, resp *Response) error {
	h := w.Header()
	h.Set("Connection", "close")

	var body []byte
	if resp.HasBody() {
		b, err := resp.EncodedBody()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return err
		}
		body = b
		h.Set("Content-Type", resp.MediaType())
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	for name, values := range resp.Header {
		for _, v := range values {
			h.Add(name, v)
		}
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
