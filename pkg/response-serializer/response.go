package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// BytesToResponse converts a stored byte slice back to a http.Response.
// The bytes are expected to hold the HTTP/1.1 serialization of the response,
// as produced by ResponseToBytes or by a response-writer tee.
func BytesToResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The response body is consumed and replaced, so the response can still be
// used by the caller afterwards.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(clonedRes.Body)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return bts, nil
}
