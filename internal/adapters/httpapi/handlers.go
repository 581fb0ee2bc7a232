package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"cards/internal/export"
	"cards/internal/forms"
	"cards/internal/importer"
	"cards/internal/serialize"
	"cards/pkg/domain"
)

func (s *Server) handleCreateClinic(w http.ResponseWriter, r *http.Request) {
	c := forms.Clinic{
		Name:             strings.TrimSpace(r.FormValue(domain.PropClinicName)),
		DisplayName:      strings.TrimSpace(r.FormValue(domain.PropDisplayName)),
		SidebarLabel:     strings.TrimSpace(r.FormValue(domain.PropSidebarLabel)),
		Survey:           strings.TrimSpace(r.FormValue(domain.PropSurvey)),
		EmergencyContact: strings.TrimSpace(r.FormValue(domain.PropEmergencyContact)),
		Description:      strings.TrimSpace(r.FormValue(domain.PropDescription)),
	}
	if raw := strings.TrimSpace(r.FormValue("tokenLifetime")); raw != "" {
		days, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "tokenLifetime must be a whole number of days")
			return
		}
		c.TokenLifetime = days
	}
	var created domain.NodeState
	_, err := s.store.RunInTransaction(r.Context(), func(tx domain.Transaction) error {
		n, err := forms.CreateClinic(tx, c)
		created = n
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "clinic created", "path", created.Path(), "clinic", c.Name)
	writeJSON(w, http.StatusCreated, map[string]string{"path": created.Path(), "clinicName": c.Name})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if err := s.importer.Trigger(r.Context()); err != nil {
		if errors.Is(err, importer.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	req, err := serialize.ParseRequest("/" + chi.URLParam(r, "*"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var (
		body        []byte
		contentType string
	)
	err = s.store.View(r.Context(), func(v domain.TransactionView) error {
		n := v.Node(req.Path)
		if !n.Exists() {
			return domain.NotFoundError{Kind: "node", ID: req.Path}
		}
		if req.Format == serialize.FormatCSV {
			var buf bytes.Buffer
			if err := s.serializer.WriteCSV(r.Context(), v, n, req.Selectors, &buf); err != nil {
				return err
			}
			body, contentType = buf.Bytes(), "text/csv; charset=utf-8"
			return nil
		}
		out, err := s.serializer.Serialize(r.Context(), v, n, req.Selectors)
		if err != nil {
			return err
		}
		body, err = json.Marshal(out)
		contentType = "application/json"
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	if req.Format == serialize.FormatCSV {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", domain.BaseName(req.Path)+".csv"))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type exportRequest struct {
	Path      string   `json:"path"`
	Selectors []string `json:"selectors"`
	Formats   []string `json:"formats"`
	Reason    string   `json:"reason"`
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	rec, err := s.exports.Enqueue(r.Context(), export.Input{
		Path:        req.Path,
		Selectors:   req.Selectors,
		Formats:     req.Formats,
		RequestedBy: claimsFrom(r.Context()).Subject,
		Reason:      req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"export": rec})
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.exports.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"export": rec})
}
