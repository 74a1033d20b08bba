// Package httpapi serves a development sandbox API: sandbox lookup, the
// command history snapshot and the websocket event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"pkt.systems/sandboxwatch/internal/codec"
	"pkt.systems/sandboxwatch/internal/logx"
	"pkt.systems/sandboxwatch/schema"
)

// Server serves the sandbox API.
type Server struct {
	cfg      Config
	store    *Store
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, store *Store, hub *Hub) *Server {
	if store == nil {
		store = NewStore()
	}
	if hub == nil {
		hub = NewHub(0, nil)
	}
	return &Server{
		cfg:   cfg.withDefaults(),
		store: store,
		hub:   hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Store returns the backing store.
func (s *Server) Store() *Store { return s.store }

// Hub returns the stream hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestLogging)
	r.Route("/v1/sandboxes/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSandbox)
		r.Get("/commands", s.handleListCommands)
		r.Get("/stream", s.handleStream)
	})
	return r
}

// RecordCommand stores a command and pushes it to live streams as
// command_new.
func (s *Server) RecordCommand(ctx context.Context, sandboxID schema.SandboxID, record schema.CommandRecord) error {
	if err := s.store.PutCommand(sandboxID, record); err != nil {
		return err
	}
	logx.WithCommand(logx.WithSandbox(ctx, sandboxID), record.ID).Debug("command recorded", "running", record.Running())
	s.hub.Publish(sandboxID, schema.CommandUpdateEvent{
		Envelope: envelope(schema.EventCommandNew, sandboxID),
		Record:   record,
	})
	return nil
}

// PublishFileChange pushes a file change to live streams.
func (s *Server) PublishFileChange(sandboxID schema.SandboxID, path, operation string) error {
	payload, err := json.Marshal(map[string]string{"path": path, "operation": operation})
	if err != nil {
		return err
	}
	s.hub.Publish(sandboxID, schema.FileChangeEvent{
		Envelope: envelope(schema.EventFileChange, sandboxID),
		Payload:  payload,
	})
	return nil
}

type sandboxResponse struct {
	SandboxID   schema.SandboxID    `json:"sandbox_id"`
	SandboxName string              `json:"sandbox_name"`
	State       schema.SandboxState `json:"state"`
	IPAddress   string              `json:"ip_address,omitempty"`
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	id := schema.SandboxID(chi.URLParam(r, "id"))
	info, err := s.store.Sandbox(id)
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, sandboxResponse{
		SandboxID:   info.SandboxID,
		SandboxName: info.SandboxName,
		State:       info.State,
		IPAddress:   info.IPAddress,
	})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	id := schema.SandboxID(chi.URLParam(r, "id"))
	limit, err := parseNonNegative(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
		return
	}
	offset, err := parseNonNegative(r.URL.Query().Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid offset: %w", err))
		return
	}
	records, err := s.store.Commands(id, limit, offset)
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	data, err := codec.EncodeSnapshot(records)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("list commands: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := schema.SandboxID(chi.URLParam(r, "id"))
	log := logx.WithSandbox(r.Context(), id)
	info, err := s.store.Sandbox(id)
	if err != nil {
		if errors.Is(err, schema.ErrSandboxNotFound) {
			http.Error(w, "sandbox not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Subscribe before replaying history so nothing recorded in between is
	// lost; overlap is resolved by the client.
	events, kicked, unsubscribe := s.hub.Subscribe(id)
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("stream upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.write(conn, schema.ConnectedEvent{Envelope: envelope(schema.EventConnected, id), Info: info}); err != nil {
		log.Warn("stream write failed", "err", err)
		return
	}
	history, _ := s.store.Recent(id, s.cfg.HistoryLimit)
	for _, record := range history {
		event := schema.CommandHistoryEvent{Envelope: envelope(schema.EventCommandHistory, id), Record: record}
		if err := s.write(conn, event); err != nil {
			log.Warn("stream write failed", "err", err)
			return
		}
	}
	log.Info("stream opened", "history", len(history))

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		var event schema.StreamEvent
		select {
		case <-r.Context().Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
			return
		case <-readerDone:
			log.Info("stream closed by client")
			return
		case <-kicked:
			log.Info("stream kicked")
			_ = conn.UnderlyingConn().Close()
			return
		case event = <-events:
		case <-ticker.C:
			event = schema.HeartbeatEvent{Envelope: envelope(schema.EventHeartbeat, id)}
		}
		if err := s.write(conn, event); err != nil {
			log.Warn("stream write failed", "err", err)
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, event schema.StreamEvent) error {
	data, err := codec.Encode(event)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func envelope(eventType schema.EventType, sandboxID schema.SandboxID) schema.Envelope {
	return schema.Envelope{Type: eventType, Timestamp: time.Now().UTC(), SandboxID: sandboxID}
}

func writeStoreError(w http.ResponseWriter, id schema.SandboxID, err error) {
	if errors.Is(err, schema.ErrSandboxNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("sandbox not found: %s", id))
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func parseNonNegative(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, errors.New("must be >= 0")
	}
	return parsed, nil
}
