// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestIsURL(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"https://relay.example/blob/1", true},
		{"http://relay.example/blob/1", true},
		{"eJxLzs8tKMnMS9cDAA==", false},
		{"", false},
		{"ftp://relay.example/blob", false},
	}
	for _, tc := range cases {
		if got := IsURL(tc.input); got != tc.want {
			t.Errorf("IsURL(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

// blobServer is a minimal relay: POST stores a document and returns its
// Location; GET serves it back.
func blobServer(t *testing.T) *httptest.Server {
	t.Helper()

	var mu sync.Mutex
	blobs := make(map[string][]byte)
	counter := 0

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		switch request.Method {
		case http.MethodPost:
			body, _ := io.ReadAll(request.Body)
			counter++
			path := "/api/blob/" + string(rune('a'+counter))
			blobs[path] = body
			writer.Header().Set("Location", server.URL+path)
			writer.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			body, ok := blobs[request.URL.Path]
			if !ok {
				http.NotFound(writer, request)
				return
			}
			writer.Header().Set("Content-Type", "application/json")
			writer.Write(body)
		}
	}))
	return server
}

func TestClientUploadFetchRoundTrip(t *testing.T) {
	server := blobServer(t)
	defer server.Close()

	client := NewClient(server.URL, server.Client(), slog.New(slog.DiscardHandler))
	ctx := context.Background()

	url, err := client.Upload(ctx, "encoded-descriptor-payload")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	// httptest serves plain http; Upload normalizes to https, so undo
	// that for the local round trip.
	url = "http://" + url[len("https://"):]

	got, err := client.Fetch(ctx, url)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != "encoded-descriptor-payload" {
		t.Errorf("Fetch = %q, want %q", got, "encoded-descriptor-payload")
	}
}

func TestClientUploadSendsJSONDocument(t *testing.T) {
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		received, _ = io.ReadAll(request.Body)
		writer.Header().Set("Location", "http://relay.example/blob/1")
		writer.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), nil)
	url, err := client.Upload(context.Background(), "payload")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != "https://relay.example/blob/1" {
		t.Errorf("Upload URL = %q, want https normalization", url)
	}

	var document struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(received, &document); err != nil {
		t.Fatalf("relay received non-JSON body: %v", err)
	}
	if document.SDP != "payload" {
		t.Errorf("relay received sdp %q, want %q", document.SDP, "payload")
	}
}

func TestClientFetchErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/missing":
			http.NotFound(writer, request)
		case "/empty":
			writer.Write([]byte(`{}`))
		default:
			writer.Write([]byte(`not json`))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), nil)
	for _, path := range []string{"/missing", "/empty", "/garbage"} {
		if _, err := client.Fetch(context.Background(), server.URL+path); !IsTransportError(err) {
			t.Errorf("Fetch(%s) error = %v, want TransportError", path, err)
		}
	}
}

func TestMemoryExchange(t *testing.T) {
	memory := NewMemory()
	ctx := context.Background()

	url, err := memory.Upload(ctx, "blob-one")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got, err := memory.Fetch(ctx, url)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != "blob-one" {
		t.Errorf("Fetch = %q, want %q", got, "blob-one")
	}

	if _, err := memory.Fetch(ctx, "https://relay.invalid/blob/999"); !IsTransportError(err) {
		t.Errorf("Fetch of unknown URL error = %v, want TransportError", err)
	}
}
