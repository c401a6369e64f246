// Package httpapi exposes the upward client/peer protocol of spec §6
// (Cmd::Data::Blob(New), Query::Data::Blob(Get), Cmd::Data::Blob(DeletePrivate))
// as plain HTTP, for clients and operators that want to exercise an Adult's
// chunk store directly rather than through the gossip/libp2p transport.
//
// The teacher's own go.mod carries github.com/go-chi/chi/v5 but none of its
// own code path ever routes through it; this package is where that router
// finally gets exercised.
package httpapi

import (
	"encoding/hex"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/vaultmesh/vaultnode/internal/chunkstore"
	"github.com/vaultmesh/vaultnode/internal/model"
	"github.com/vaultmesh/vaultnode/internal/vaulterr"
	"github.com/vaultmesh/vaultnode/internal/xaddr"
)

// Server is a thin HTTP front for a single Adult's chunk store.
type Server struct {
	log   *logrus.Logger
	store *chunkstore.Store
}

// NewServer builds the chi router backing an Adult's HTTP surface.
func NewServer(log *logrus.Logger, store *chunkstore.Store) http.Handler {
	s := &Server{log: log, store: store}

	r := chi.NewRouter()
	r.Get("/blobs/{address}", s.handleGet)
	r.Post("/blobs", s.handlePost)
	r.Delete("/blobs/{address}", s.handleDelete)
	return r
}

func parseAddressParam(r *http.Request) (xaddr.Address, error) {
	return xaddr.ParseHex(chi.URLParam(r, "address"))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddressParam(r)
	if err != nil {
		http.Error(w, "bad address", http.StatusBadRequest)
		return
	}
	msgID := xaddr.Derive([]byte(r.Header.Get("X-Correlation-Id")), xaddr.VariantPublic)
	dir, err := s.store.Get(addr, msgID, model.OwnerKey{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if blob, ok := dir.Payload.(model.Blob); ok {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(blob.Content)
		return
	}
	writeErrorDirective(w, dir.Payload)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	variant := xaddr.VariantPublic
	if r.Header.Get("X-Blob-Variant") == "private" {
		variant = xaddr.VariantPrivate
	}
	var owner model.OwnerKey
	if ownerHex := r.Header.Get("X-Owner-Pubkey"); ownerHex != "" {
		raw, err := hex.DecodeString(ownerHex)
		if err == nil {
			if parsed, err := model.ParseOwnerKey(raw); err == nil {
				owner = parsed
			}
		}
	}

	blob := model.Blob{Content: content, Variant: variant, Owner: owner}
	dir, err := s.store.Store(blob, xaddr.Address{}, owner)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !dir.IsNoOp() {
		writeErrorDirective(w, dir.Payload)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(blob.Address().Hex()))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddressParam(r)
	if err != nil {
		http.Error(w, "bad address", http.StatusBadRequest)
		return
	}
	var owner model.OwnerKey
	if ownerHex := r.Header.Get("X-Owner-Pubkey"); ownerHex != "" {
		raw, err := hex.DecodeString(ownerHex)
		if err == nil {
			if parsed, err := model.ParseOwnerKey(raw); err == nil {
				owner = parsed
			}
		}
	}
	dir, err := s.store.Delete(addr, xaddr.Address{}, owner)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !dir.IsNoOp() {
		writeErrorDirective(w, dir.Payload)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeErrorDirective(w http.ResponseWriter, payload any) {
	cmdErr, ok := payload.(*vaulterr.Error)
	if !ok {
		http.Error(w, "unknown error", http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch cmdErr.Kind {
	case vaulterr.KindNoSuchData, vaulterr.KindNoSuchKey:
		status = http.StatusNotFound
	case vaulterr.KindDataExists:
		status = http.StatusConflict
	case vaulterr.KindAccessDenied, vaulterr.KindInvalidOwners:
		status = http.StatusForbidden
	case vaulterr.KindInvalidOperation:
		status = http.StatusBadRequest
	case vaulterr.KindFailedToDelete:
		status = http.StatusInternalServerError
	}
	http.Error(w, cmdErr.Error(), status)
}
