package tee

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// ResponseSaver is a wrapper around http.ResponseWriter that saves the response to a buffer.
// It optionally writes the response to the underlying http.ResponseWriter.
type ResponseSaver struct {
	rw           http.ResponseWriter
	body         *bytes.Buffer
	header       http.Header
	written      http.Header
	status       int
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	t.status = statusCode
	// later header changes do not show up in the response
	t.written = t.header.Clone()
	// write to underlying http.ResponseWriter if not nil
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	// write to underlying http.ResponseWriter if not nil
	if t.rw != nil {
		if _, err := t.rw.Write(b); err != nil {
			return 0, err
		}
	}
	return t.body.Write(b)
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Result returns the saved response as if it had been received for req.
// The body is a copy, so Result can be called more than once.
func (t *ResponseSaver) Result(req *http.Request) *http.Response {
	header := t.written
	if !t.wroteHeaders {
		header = t.header.Clone()
	}
	if header == nil {
		header = http.Header{}
	}
	body := bytes.Clone(t.body.Bytes())
	header.Set("Content-Length", strconv.Itoa(len(body)))
	status := t.StatusCode()
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// NewResponseSaver returns a new ResponseSaver.
// If w is not nil, the response will be written (tee'd) to it in addition to saving to buffer.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		rw:     w,
		body:   &bytes.Buffer{},
		header: http.Header{},
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
