// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api serves the drive metadata REST endpoints: listing, rename,
// star, trash and storage usage. File content moves peer to peer; the only
// content endpoint here is the download of already stored blobs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/fluxdrive/fluxdrive/lib/directory"
)

// Verifier validates bearer tokens, the same tokens the signaling hub
// accepts.
type Verifier interface {
	Verify(token string) (directory.Identity, error)
}

type Service struct {
	store      Store
	verifier   Verifier
	storageDir string
	router     *httprouter.Router
}

func New(store Store, verifier Verifier, storageDir string) *Service {
	s := &Service{
		store:      store,
		verifier:   verifier,
		storageDir: storageDir,
		router:     httprouter.New(),
	}

	s.router.GET("/api/files", s.auth(s.listFiles))
	s.router.GET("/api/files/:id", s.auth(s.getFile))
	s.router.GET("/api/files/:id/download", s.auth(s.downloadFile))
	s.router.PATCH("/api/files/:id", s.auth(s.updateFile))
	s.router.DELETE("/api/files/:id", s.auth(s.deleteFile))
	s.router.POST("/api/folders", s.auth(s.createFolder))
	s.router.GET("/api/storage", s.auth(s.storageUsage))

	return s
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, user directory.Identity)

// auth wraps a handler with bearer token verification.
func (s *Service) auth(next authedHandler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		user, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, ps, user)
	}
}

func (s *Service) listFiles(w http.ResponseWriter, r *http.Request, _ httprouter.Params, user directory.Identity) {
	var filter NodeFilter
	q := r.URL.Query()
	if q.Has("parent_id") {
		v := q.Get("parent_id")
		filter.ParentID = &v
	}
	if q.Has("starred") {
		v := q.Get("starred") == "true"
		filter.Starred = &v
	}
	if q.Has("deleted") {
		v := q.Get("deleted") == "true"
		filter.Deleted = &v
	}

	nodes, err := s.store.List(r.Context(), user.UserID, filter)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": nodes})
}

func (s *Service) getFile(w http.ResponseWriter, r *http.Request, ps httprouter.Params, user directory.Identity) {
	node, err := s.store.Get(r.Context(), user.UserID, ps.ByName("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Service) downloadFile(w http.ResponseWriter, r *http.Request, ps httprouter.Params, user directory.Identity) {
	node, err := s.store.Get(r.Context(), user.UserID, ps.ByName("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if node.IsFolder || node.BlobPath == "" {
		writeError(w, http.StatusNotFound, "no content for this entry")
		return
	}

	// Blob paths are stored relative to the storage root; never follow a
	// path that escapes it.
	blob := filepath.Join(s.storageDir, filepath.Clean("/"+node.BlobPath))
	w.Header().Set("Content-Disposition", `attachment; filename="`+node.Name+`"`)
	if node.MimeType != "" {
		w.Header().Set("Content-Type", node.MimeType)
	}
	http.ServeFile(w, r, blob)
}

func (s *Service) updateFile(w http.ResponseWriter, r *http.Request, ps httprouter.Params, user directory.Identity) {
	var upd NodeUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	node, err := s.store.Update(r.Context(), user.UserID, ps.ByName("id"), upd)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Service) deleteFile(w http.ResponseWriter, r *http.Request, ps httprouter.Params, user directory.Identity) {
	if err := s.store.Delete(r.Context(), user.UserID, ps.ByName("id")); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) createFolder(w http.ResponseWriter, r *http.Request, _ httprouter.Params, user directory.Identity) {
	var req struct {
		Name     string `json:"name"`
		ParentID string `json:"parentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "folder name required")
		return
	}
	node, err := s.store.CreateFolder(r.Context(), user.UserID, req.Name, req.ParentID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Service) storageUsage(w http.ResponseWriter, r *http.Request, _ httprouter.Params, user directory.Identity) {
	usage, err := s.store.Usage(r.Context(), user.UserID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Service) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNodeNotFound):
		writeError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timed out")
	default:
		l.Warnln("store error:", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l.Debugln("encoding response:", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
