// Package httpapi exposes the server's HTTP surface: the WebSocket session
// endpoint, a health probe and read-only document views.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/collab-sync/internal/document"
	"github.com/example/collab-sync/internal/types"
)

// RelayCounter reports how many sessions are relaying a document.
type RelayCounter interface {
	Relaying(docID types.DocumentID) int
}

// NewRouter wires every HTTP route. sessions handles WebSocket upgrades.
func NewRouter(sessions http.Handler, store *document.Store, relays RelayCounter, logger zerolog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(accessLog(logger))

	docs := &documentHandler{store: store, relays: relays, logger: logger}
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(health)
	r.Methods(http.MethodGet).Path("/ws/{document}").Handler(sessions)
	r.Methods(http.MethodGet).Path("/ws").Handler(sessions)
	r.Methods(http.MethodGet).Path("/documents/{document}/snapshot").HandlerFunc(docs.snapshot)
	r.Methods(http.MethodGet).Path("/documents/{document}/text").HandlerFunc(docs.text)
	return r
}

func accessLog(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", m.Code).
				Dur("duration", m.Duration).
				Int64("bytes", m.Written).
				Msg("handled")
		})
	}
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

type documentHandler struct {
	store  *document.Store
	relays RelayCounter
	logger zerolog.Logger
}

// lookup resolves a loaded document. Views never load documents from
// storage, so reads cannot keep a document alive.
func (h *documentHandler) lookup(w http.ResponseWriter, r *http.Request) (*document.Document, bool) {
	docID, err := types.ParseDocumentID(mux.Vars(r)["document"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	doc, ok := h.store.Lookup(docID)
	if !ok {
		http.NotFound(w, r)
		return nil, false
	}
	return doc, true
}

func (h *documentHandler) snapshot(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(doc.Replica.Save()); err != nil {
		h.logger.Debug().Err(err).Str("document", doc.ID.String()).Msg("write snapshot response failed")
	}
}

func (h *documentHandler) text(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.lookup(w, r)
	if !ok {
		return
	}
	text, err := doc.Replica.Text()
	if err != nil {
		h.logger.Error().Err(err).Str("document", doc.ID.String()).Msg("read text failed")
		http.Error(w, "read text failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"document_id": doc.ID,
		"text":        text,
		"dirty":       doc.Dirty(),
		"sessions":    doc.Sessions(),
		"relaying":    h.relays.Relaying(doc.ID),
		"heads":       doc.Replica.Heads(),
	})
}
