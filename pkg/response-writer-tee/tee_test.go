package tee

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSavesAndForwardsResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rs := NewResponseSaver(rr)
	rs.Header().Set("Content-Type", "text/test")
	rs.WriteHeader(http.StatusTeapot)
	rs.Write([]byte("short and stout"))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("Forwarded status is %d", rr.Code)
	}
	if rr.Header().Get("Content-Type") != "text/test" {
		t.Fatalf("Forwarded headers are %v", rr.Header())
	}
	if rr.Body.String() != "short and stout" {
		t.Fatalf("Forwarded body is %q", rr.Body.String())
	}
	if rs.StatusCode() != http.StatusTeapot {
		t.Fatalf("Saved status is %d", rs.StatusCode())
	}
}

func TestSavedBytesReadBackAsResponse(t *testing.T) {
	rs := NewResponseSaver(nil)
	rs.Header().Set("X-Test", "yes")
	rs.Write([]byte("hello"))

	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(rs.Response())), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if res.Header.Get("X-Test") != "yes" {
		t.Fatalf("Headers are %v", res.Header)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hello" {
		t.Fatalf("Body is %q", body)
	}
}

func TestImplicitOKHeader(t *testing.T) {
	rs := NewResponseSaver(nil)
	rs.Write([]byte("no explicit WriteHeader"))
	if rs.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", rs.StatusCode())
	}
}
