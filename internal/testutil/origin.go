package testutil

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// Response is one scripted reply from an Origin.
type Response struct {
	Status int    // 0 means 200
	Body   []byte // ignored unless Status is 200
	// Truncate sends a Content-Length larger than Body so the client sees
	// an unexpected EOF.
	Truncate bool
}

// Origin is a scripted HTTP server standing in for a remote artifact host.
//
// Each path has a queue of one-shot responses followed by steady content.
// Once the queue is drained the path serves its content with 200, or 404
// if no content was set.
//
// Thread-safety: safe for concurrent requests.
type Origin struct {
	*httptest.Server

	mu      sync.Mutex
	content map[string][]byte
	queue   map[string][]Response
	hits    map[string]int
}

// NewOrigin starts an Origin that is closed when the test ends.
func NewOrigin(t *testing.T) *Origin {
	t.Helper()
	o := &Origin{
		content: make(map[string][]byte),
		queue:   make(map[string][]Response),
		hits:    make(map[string]int),
	}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

// URL returns the absolute URL for path.
func (o *Origin) URL(path string) string {
	return o.Server.URL + path
}

// SetContent sets the steady content for path.
func (o *Origin) SetContent(path string, body []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.content[path] = append([]byte(nil), body...)
}

// SetGzipContent serves body gzip-compressed at path.
func (o *Origin) SetGzipContent(path string, body []byte) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(body)
	zw.Close()
	o.SetContent(path, buf.Bytes())
}

// Enqueue adds one-shot responses served before the steady content.
func (o *Origin) Enqueue(path string, rs ...Response) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue[path] = append(o.queue[path], rs...)
}

// FailNext makes the next n requests for path fail with status.
func (o *Origin) FailNext(path string, n, status int) {
	for i := 0; i < n; i++ {
		o.Enqueue(path, Response{Status: status})
	}
}

// Hits returns how many requests path has received.
func (o *Origin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *Origin) next(path string) Response {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits[path]++
	if q := o.queue[path]; len(q) > 0 {
		o.queue[path] = q[1:]
		return q[0]
	}
	body, ok := o.content[path]
	if !ok {
		return Response{Status: http.StatusNotFound}
	}
	return Response{Status: http.StatusOK, Body: body}
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	resp := o.next(r.URL.Path)
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if resp.Truncate {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)+100))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Body)
}
