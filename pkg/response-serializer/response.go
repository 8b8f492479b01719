package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Duplicate reads the response body once and returns the HTTP/1.1 representation
// of the response. The response is left with a fresh body holding the same bytes,
// so it can still be sent to the client after a copy has been stored.
func Duplicate(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		b, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = b
	}
	// the stored copy is framed by content length, never chunked
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))

	res.Body = io.NopCloser(bytes.NewReader(body))
	bts, err := responseToBytes(res)
	// set response body back
	res.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return bts, nil
}

// BytesToResponse converts a byte slice to a http.Response.
// The request is attached to the response and may be nil.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// Body returns the body of a stored response.
func Body(b []byte) ([]byte, error) {
	res, err := BytesToResponse(b, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	return io.ReadAll(res.Body)
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response
func responseToBytes(res *http.Response) ([]byte, error) {
	// http.Response.Write writes the protocol version found in the response,
	// force 1.1 so that the stored bytes are always readable
	major, minor := res.ProtoMajor, res.ProtoMinor
	res.ProtoMajor, res.ProtoMinor = 1, 1
	defer func() { res.ProtoMajor, res.ProtoMinor = major, minor }()

	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}
