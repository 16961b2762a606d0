package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// RequestLog records one call the mock server received, for order assertions.
type RequestLog struct {
	Method         string
	Collection     string
	RecordID       int64
	IdempotencyKey string
}

// MockServer provides a fake business API for testing.
type MockServer struct {
	*httptest.Server
	mu          sync.Mutex
	collections map[string]map[int64]map[string]any
	order       map[string][]int64 // insertion order per collection
	nextID      int64
	seenKeys    map[string]int64 // idempotency key -> created record id
	requests    []RequestLog

	// Reject, when set, makes matching create/update calls fail with 422.
	Reject func(method, collection string, body []byte) bool
}

// NewMockServer creates a mock API server.
func NewMockServer() *MockServer {
	m := &MockServer{
		collections: make(map[string]map[int64]map[string]any),
		order:       make(map[string][]int64),
		nextID:      100,
		seenKeys:    make(map[string]int64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/", m.handle)
	m.Server = httptest.NewServer(mux)
	return m
}

// Requests returns a copy of the request log.
func (m *MockServer) Requests() []RequestLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RequestLog, len(m.requests))
	copy(out, m.requests)
	return out
}

// Records returns the current records of a collection in insertion order
// (for test assertions).
func (m *MockServer) Records(collection string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, id := range m.order[collection] {
		if rec, ok := m.collections[collection][id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Seed inserts a record server-side with an assigned id, bypassing HTTP.
func (m *MockServer) Seed(collection string, fields map[string]any) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	rec := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		rec[k] = v
	}
	rec["id"] = id
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[int64]map[string]any)
	}
	m.collections[collection][id] = rec
	m.order[collection] = append(m.order[collection], id)
	return id
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	collection := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		m.handleList(w, collection)
	case len(parts) == 1 && r.Method == http.MethodPost:
		m.handleCreate(w, r, collection)
	case len(parts) == 2:
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			http.Error(w, "invalid record id", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodPatch:
			m.handleUpdate(w, r, collection, id)
		case http.MethodDelete:
			m.handleDelete(w, r, collection, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (m *MockServer) handleList(w http.ResponseWriter, collection string) {
	m.mu.Lock()
	m.requests = append(m.requests, RequestLog{Method: http.MethodGet, Collection: collection})
	var records []map[string]any
	for _, id := range m.order[collection] {
		if rec, ok := m.collections[collection][id]; ok {
			records = append(records, rec)
		}
	}
	m.mu.Unlock()

	if records == nil {
		records = []map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (m *MockServer) handleCreate(w http.ResponseWriter, r *http.Request, collection string) {
	body, _ := io.ReadAll(r.Body)
	key := r.Header.Get("Idempotency-Key")

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, RequestLog{Method: http.MethodPost, Collection: collection, IdempotencyKey: key})

	if m.Reject != nil && m.Reject(http.MethodPost, collection, body) {
		http.Error(w, "unprocessable", http.StatusUnprocessableEntity)
		return
	}

	// Replays of a confirmed create return the original record.
	if key != "" {
		if id, ok := m.seenKeys[key]; ok {
			if rec, ok := m.collections[collection][id]; ok {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(rec)
				return
			}
		}
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.nextID++
	id := m.nextID
	fields["id"] = id

	if m.collections[collection] == nil {
		m.collections[collection] = make(map[int64]map[string]any)
	}
	m.collections[collection][id] = fields
	m.order[collection] = append(m.order[collection], id)
	if key != "" {
		m.seenKeys[key] = id
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(fields)
}

func (m *MockServer) handleUpdate(w http.ResponseWriter, r *http.Request, collection string, id int64) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, RequestLog{
		Method:         http.MethodPatch,
		Collection:     collection,
		RecordID:       id,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})

	if m.Reject != nil && m.Reject(http.MethodPatch, collection, body) {
		http.Error(w, "unprocessable", http.StatusUnprocessableEntity)
		return
	}

	rec, ok := m.collections[collection][id]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var patch map[string]any
	if err := json.Unmarshal(body, &patch); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		rec[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (m *MockServer) handleDelete(w http.ResponseWriter, r *http.Request, collection string, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, RequestLog{
		Method:         http.MethodDelete,
		Collection:     collection,
		RecordID:       id,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})

	delete(m.collections[collection], id)
	w.WriteHeader(http.StatusNoContent)
}
