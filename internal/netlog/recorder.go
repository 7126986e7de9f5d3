package netlog

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/yourorg/taxsync/pkg/types"
)

// Recorder accumulates request/response pairs reported by a browser. It is
// fed from the driver's event listener goroutine and read by snapshotters.
type Recorder struct {
	mu      sync.Mutex
	limit   int
	order   []string
	entries map[string]*types.TrafficLog
	now     func() time.Time
}

// NewRecorder keeps at most limit entries, dropping the oldest.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 500
	}
	return &Recorder{limit: limit, entries: make(map[string]*types.TrafficLog), now: time.Now}
}

// Request records an outgoing request.
func (r *Recorder) Request(id, method, rawURL string, headers map[string]string) {
	u, err := url.Parse(rawURL)
	if err != nil || strings.HasPrefix(rawURL, "data:") {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		r.order = append(r.order, id)
	}
	r.entries[id] = &types.TrafficLog{
		Timestamp:      r.now(),
		Method:         strings.ToUpper(method),
		Host:           u.Host,
		Path:           u.Path,
		QueryParams:    u.Query(),
		RequestHeaders: headers,
		CallCount:      1,
	}
	r.trim()
}

// Response completes a recorded request. Responses for unknown ids are ignored.
func (r *Recorder) Response(id string, status int, mimeType string, headers map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.StatusCode = status
	e.ResponseContentType = mimeType
	e.ResponseHeaders = headers
	e.LatencyMs = r.now().Sub(e.Timestamp).Milliseconds()
}

// Logs returns a copy of the recorded traffic in arrival order.
func (r *Recorder) Logs() []types.TrafficLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.TrafficLog, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.entries[id])
	}
	sortAndNumber(out)
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.entries = make(map[string]*types.TrafficLog)
}

func (r *Recorder) trim() {
	for len(r.order) > r.limit {
		delete(r.entries, r.order[0])
		r.order = r.order[1:]
	}
}
