// Package comfytest provides an in-process ComfyUI stand-in for tests. It
// serves the HTTP endpoints comfygen uses and lets tests push WebSocket
// frames to connected clients.
package comfytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// PromptRequest is a decoded POST /prompt body.
type PromptRequest struct {
	Prompt   map[string]json.RawMessage `json:"prompt"`
	ClientID string                     `json:"client_id"`
}

// Inputs decodes the inputs of one submitted node.
func (p PromptRequest) Inputs(nodeID string) map[string]interface{} {
	var node struct {
		Inputs map[string]interface{} `json:"inputs"`
	}
	_ = json.Unmarshal(p.Prompt[nodeID], &node)
	return node.Inputs
}

// Upload records one POST /upload/image.
type Upload struct {
	Filename  string
	Type      string
	Subfolder string
	Overwrite string
	Size      int
}

// PromptResponder produces the status and body for a prompt. Returning a
// zero status uses the default successful reply.
type PromptResponder func(n int, req PromptRequest) (int, interface{})

type historyEntry struct {
	body       interface{}
	readyAfter int
}

type Server struct {
	*httptest.Server
	t testing.TB

	mu             sync.Mutex
	prompts        []PromptRequest
	uploads        []Upload
	history        map[string]historyEntry
	historyHits    map[string]int
	interrupts     int
	queueRemaining int
	objectInfoHits int
	conns          map[string]*websocket.Conn
	connected      chan string

	// Set before the first request.
	OnPrompt     PromptResponder
	UploadStatus int
	ObjectInfo   interface{}
	Embeddings   []string
	SystemStats  interface{}
	ViewData     []byte

	// ObjectInfoReadyAfter makes /object_info return an empty catalog
	// until its nth request, like a server still scanning models.
	ObjectInfoReadyAfter int
	// RejectWebSocket refuses progress stream connections.
	RejectWebSocket bool
}

func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		t:           t,
		history:     make(map[string]historyEntry),
		historyHits: make(map[string]int),
		conns:       make(map[string]*websocket.Conn),
		connected:   make(chan string, 16),
		ObjectInfo:  map[string]interface{}{},
		Embeddings:  []string{},
		SystemStats: map[string]interface{}{"system": map[string]interface{}{}, "devices": []interface{}{}},
		ViewData:    []byte("\x89PNG\r\n\x1a\nfake"),
	}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/prompt", s.handlePrompt).Methods("POST")
	r.HandleFunc("/prompt", s.handleQueue).Methods("GET")
	r.HandleFunc("/upload/image", s.handleUpload).Methods("POST")
	r.HandleFunc("/history/{id}", s.handleHistory).Methods("GET")
	r.HandleFunc("/interrupt", s.handleInterrupt).Methods("POST")
	r.HandleFunc("/view", s.handleView).Methods("GET")
	r.HandleFunc("/object_info", s.jsonHandler(func() interface{} {
		s.objectInfoHits++
		if s.objectInfoHits < s.ObjectInfoReadyAfter {
			return map[string]interface{}{}
		}
		return s.ObjectInfo
	})).Methods("GET")
	r.HandleFunc("/embeddings", s.jsonHandler(func() interface{} { return s.Embeddings })).Methods("GET")
	r.HandleFunc("/system_stats", s.jsonHandler(func() interface{} { return s.SystemStats })).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket)
	return r
}

// Close drops every WebSocket connection and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for id, conn := range s.conns {
		conn.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()
	s.Server.Close()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonHandler(get func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		v := get()
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, v)
	}
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error(), "node_errors": []interface{}{}})
		return
	}

	s.mu.Lock()
	s.prompts = append(s.prompts, req)
	n := len(s.prompts)
	responder := s.OnPrompt
	s.mu.Unlock()

	if responder != nil {
		if status, body := responder(n, req); status != 0 {
			writeJSON(w, status, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prompt_id":   PromptID(n),
		"number":      n - 1,
		"node_errors": map[string]interface{}{},
	})
}

// PromptID is the id the default responder assigns to the nth prompt.
func PromptID(n int) string {
	return fmt.Sprintf("prompt-%d", n)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	remaining := s.queueRemaining
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exec_info": map[string]interface{}{"queue_remaining": remaining},
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	up := Upload{
		Filename:  header.Filename,
		Type:      r.FormValue("type"),
		Subfolder: r.FormValue("subfolder"),
		Overwrite: r.FormValue("overwrite"),
		Size:      len(data),
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, up)
	status := s.UploadStatus
	s.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		http.Error(w, "upload rejected", status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":      "srv_" + up.Filename,
		"subfolder": up.Subfolder,
		"type":      up.Type,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	s.historyHits[id]++
	hits := s.historyHits[id]
	entry, ok := s.history[id]
	s.mu.Unlock()

	if !ok || hits < entry.readyAfter {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{id: entry.body})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.interrupts++
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("filename") == "" {
		http.Error(w, "missing filename", http.StatusNotFound)
		return
	}
	s.mu.Lock()
	data := s.ViewData
	s.mu.Unlock()
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(data)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.RejectWebSocket {
		http.Error(w, "websocket disabled", http.StatusForbidden)
		return
	}
	clientID := r.URL.Query().Get("clientId")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[clientID] = conn
	s.mu.Unlock()
	s.connected <- clientID

	// drain until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.mu.Lock()
			if s.conns[clientID] == conn {
				delete(s.conns, clientID)
			}
			s.mu.Unlock()
			return
		}
	}
}

// WaitForClient blocks until a WebSocket client connects and returns its
// client id.
func (s *Server) WaitForClient(timeout time.Duration) string {
	s.t.Helper()
	select {
	case id := <-s.connected:
		return id
	case <-time.After(timeout):
		s.t.Fatalf("no websocket client connected within %s", timeout)
		return ""
	}
}

// SendJSON writes a {"type": ..., "data": ...} text frame to clientID.
func (s *Server) SendJSON(clientID string, eventType string, data interface{}) {
	s.t.Helper()
	b, err := json.Marshal(map[string]interface{}{"type": eventType, "data": data})
	if err != nil {
		s.t.Fatalf("encode event: %v", err)
	}
	s.SendRaw(clientID, websocket.TextMessage, b)
}

// SendRaw writes one frame of messageType to clientID.
func (s *Server) SendRaw(clientID string, messageType int, payload []byte) {
	s.t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[clientID]
	if !ok {
		s.t.Fatalf("client %q is not connected", clientID)
		return
	}
	if err := conn.WriteMessage(messageType, payload); err != nil {
		s.t.Fatalf("write frame: %v", err)
	}
}

// Drop closes the connection of clientID without a close handshake.
func (s *Server) Drop(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[clientID]; ok {
		conn.Close()
		delete(s.conns, clientID)
	}
}

// SetHistory makes /history/{promptID} return body from the readyAfter-th
// request on. readyAfter <= 1 means immediately.
func (s *Server) SetHistory(promptID string, body interface{}, readyAfter int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[promptID] = historyEntry{body: body, readyAfter: readyAfter}
}

func (s *Server) SetQueueRemaining(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueRemaining = n
}

func (s *Server) Prompts() []PromptRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PromptRequest(nil), s.prompts...)
}

func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func (s *Server) HistoryHits(promptID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyHits[promptID]
}

func (s *Server) ObjectInfoHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objectInfoHits
}

func (s *Server) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// SuccessHistory builds a completed history entry with one image per
// output node, in the given order.
func SuccessHistory(outputs ...Output) map[string]interface{} {
	return HistoryBody("success", true, outputs, nil)
}

// Output is one node's images in a history entry.
type Output struct {
	NodeID string
	Files  []string
}

// HistoryBody builds a history entry. Outputs keep their order in the
// encoded JSON.
func HistoryBody(statusStr string, completed bool, outputs []Output, messages []interface{}) map[string]interface{} {
	if messages == nil {
		messages = []interface{}{}
	}
	return map[string]interface{}{
		"status": map[string]interface{}{
			"status_str": statusStr,
			"completed":  completed,
			"messages":   messages,
		},
		"outputs": orderedOutputs(outputs),
	}
}

type orderedOutputs []Output

func (o orderedOutputs) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, out := range o {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, _ := json.Marshal(out.NodeID)
		images := make([]map[string]string, 0, len(out.Files))
		for _, f := range out.Files {
			images = append(images, map[string]string{"filename": f, "subfolder": "", "type": "output"})
		}
		val, err := json.Marshal(map[string]interface{}{"images": images})
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	return append(buf, '}'), nil
}
