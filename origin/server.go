package origin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/InsulaLabs/quire/client"
	"github.com/InsulaLabs/quire/config"
	"github.com/InsulaLabs/quire/models"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

const (
	maxUpdateBody    = 4 * 1024 * 1024
	publishQueueSize = 256
	publishTimeout   = 5 * time.Second
)

// Publisher hands an event to the relay. *client.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, appID string, req models.PublishRequest) error
}

// Server is the origin: it owns the authoritative copy of every document and
// announces each accepted write on the document's channel.
type Server struct {
	appCtx    context.Context
	cfg       *config.Origin
	logger    *slog.Logger
	store     *Store
	publisher Publisher
	router    *mux.Router

	announcements chan models.Document
}

// Open builds a server backed by the configured data directory, publishing
// through the relay at cfg.RelayURL when one is set.
func Open(ctx context.Context, logger *slog.Logger, cfg *config.Origin) (*Server, error) {
	logger = logger.With("service", "origin")
	store, err := OpenStore(StoreConfig{
		Logger:    logger,
		Directory: cfg.DataDir,
		CacheTTL:  cfg.CacheTTL,
	})
	if err != nil {
		return nil, err
	}

	var publisher Publisher
	if cfg.RelayURL != "" {
		relayClient, err := client.NewClient(&client.Config{
			BaseURL: cfg.RelayURL,
			Timeout: publishTimeout,
			Logger:  logger,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		publisher = relayClient
	} else {
		logger.Warn("No relay configured, updates will not be broadcast")
	}
	return New(ctx, logger, cfg, store, publisher), nil
}

// New wires a server around an open store. publisher may be nil.
func New(ctx context.Context, logger *slog.Logger, cfg *config.Origin, store *Store, publisher Publisher) *Server {
	s := &Server{
		appCtx:        ctx,
		cfg:           cfg,
		logger:        logger,
		store:         store,
		publisher:     publisher,
		announcements: make(chan models.Document, publishQueueSize),
	}
	s.router = s.routes()
	if publisher != nil {
		go s.announceLoop()
	}
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/editor", s.listHandler).Methods(http.MethodGet)
	router.HandleFunc("/editor/{id}", s.updateHandler).Methods(http.MethodPatch, http.MethodPut, http.MethodPost)
	router.HandleFunc("/editor/{id}", s.getHandler).Methods(http.MethodGet)
	router.HandleFunc("/editor/{id}/poll", s.getHandler).Methods(http.MethodGet)
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("quire origin"))
	}).Methods(http.MethodGet)
	return router
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Store() *Store {
	return s.store
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, client.ErrorResponse{Error: kind, Message: message})
}

func (s *Server) updateHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "could not read body")
		return
	}
	var req models.UpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.logger.Warn("Rejected document update", "document_id", id, "error", err)
		writeError(w, http.StatusBadRequest, "bad_request", "body must be a JSON object with title and content")
		return
	}

	doc, err := s.store.Put(id, req)
	if err != nil {
		s.logger.Error("Could not store document", "document_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	s.logger.Info("Document updated", "document_id", id, "updated_at", doc.UpdatedAt, "sender_marker", doc.SenderMarker)

	s.announce(doc)
	writeJSON(w, http.StatusOK, models.UpdateResponse{Success: true, ID: doc.ID, UpdatedAt: doc.UpdatedAt})
}

func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	doc, err := s.store.Get(id)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.logger.Error("Could not read document", "document_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.List()
	if err != nil {
		s.logger.Error("Could not list documents", "error", err)
		writeError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"documents": ids})
}

// announce queues doc for broadcast without holding up the response.
func (s *Server) announce(doc models.Document) {
	if s.publisher == nil {
		return
	}
	select {
	case s.announcements <- doc:
	default:
		s.logger.Warn("Announcement queue full, dropping broadcast", "document_id", doc.ID, "updated_at", doc.UpdatedAt)
	}
}

// announceLoop publishes queued documents one at a time so broadcasts leave
// in write order.
func (s *Server) announceLoop() {
	for {
		select {
		case doc := <-s.announcements:
			if err := s.publish(doc); err != nil {
				s.logger.Error("Broadcast failed", "document_id", doc.ID, "updated_at", doc.UpdatedAt, "error", err)
			}
		case <-s.appCtx.Done():
			return
		}
	}
}

func (s *Server) publish(doc models.Document) error {
	data, err := json.Marshal(doc.Payload())
	if err != nil {
		return errors.Wrap(err, "encode broadcast payload")
	}
	ctx, cancel := context.WithTimeout(s.appCtx, publishTimeout)
	defer cancel()

	event := s.cfg.EventName
	if event == "" {
		event = models.EventEditorUpdated
	}
	return s.publisher.Publish(ctx, s.cfg.AppID, models.PublishRequest{
		Name:     event,
		Channels: []string{models.ChannelForDocument(doc.ID)},
		Data:     data,
	})
}

// Run serves until the context is cancelled, then closes the store.
func (s *Server) Run() error {
	srv := &http.Server{
		Addr:    s.cfg.HttpBinding,
		Handler: s.router,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
		}
	}()

	s.logger.Info("Starting origin", "listen_addr", s.cfg.HttpBinding, "relay_url", s.cfg.RelayURL)

	var serveErr error
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		s.logger.Error("HTTP server error", "error", err)
		serveErr = err
	}

	if err := s.store.Close(); err != nil && serveErr == nil {
		serveErr = err
	}
	s.logger.Info("Origin stopped")
	return serveErr
}
