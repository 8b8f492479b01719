package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDuplicateBodyIntact(t *testing.T) {
	response := `HTTP/1.1 200 OK
Server: Test

This is the body`

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = Duplicate(res); err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if fmt.Sprintf("%s", body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestDuplicateCopiesAreIdentical(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.WriteHeader(http.StatusNotFound)
		// large enough to be sent chunked
		for i := 0; i < 1000; i++ {
			io.WriteString(w, "body { color: red; }\n")
		}
	}))
	defer server.Close()

	res, err := http.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	stored, err := Duplicate(res)
	if err != nil {
		t.Fatal(err)
	}
	served, _ := io.ReadAll(res.Body)

	storedBody, err := Body(stored)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(served, storedBody) {
		t.Fatalf("Served %d bytes, stored %d bytes", len(served), len(storedBody))
	}
	restored, err := BytesToResponse(stored, nil)
	if err != nil {
		t.Fatal(err)
	}
	if restored.StatusCode != http.StatusNotFound {
		t.Fatalf("Stored status is %d", restored.StatusCode)
	}
	if ct := restored.Header.Get("Content-Type"); ct != "text/css" {
		t.Fatalf("Stored Content-Type is %s", ct)
	}
	if restored.ContentLength != int64(len(served)) {
		t.Fatalf("Stored Content-Length is %d", restored.ContentLength)
	}
}

func TestDuplicateEmptyBody(t *testing.T) {
	res := &http.Response{
		StatusCode: http.StatusNoContent,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Test": []string{"-ing"}},
	}
	stored, err := Duplicate(res)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := BytesToResponse(stored, nil)
	if err != nil {
		t.Fatal(err)
	}
	if restored.StatusCode != http.StatusNoContent || restored.Header.Get("Test") != "-ing" {
		t.Fatalf("Restored response is %+v", restored)
	}
}
