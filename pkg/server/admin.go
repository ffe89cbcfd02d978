package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/musterhq/muster/pkg/state"
	"github.com/musterhq/muster/pkg/types"
)

// The admin API is deliberately thin JSON-over-HTTP glue: it maps
// requests onto state store operations and returns the tagged error
// codes unchanged. Anything beyond that mapping lives in the store.

func (s *Server) adminMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/nodes", s.withAuth(s.listNodes))
	mux.HandleFunc("POST /v1/nodes/{id}/drain", s.withAuth(s.drainNode))
	mux.HandleFunc("POST /v1/nodes/{id}/uncordon", s.withAuth(s.uncordonNode))

	mux.HandleFunc("GET /v1/packs", s.withAuth(s.listPacks))
	mux.HandleFunc("POST /v1/packs", s.withAuth(s.registerPack))

	mux.HandleFunc("GET /v1/services", s.withAuth(s.listServices))
	mux.HandleFunc("POST /v1/services", s.withAuth(s.createService))
	mux.HandleFunc("PATCH /v1/services/{id}", s.withAuth(s.updateService))
	mux.HandleFunc("DELETE /v1/services/{id}", s.withAuth(s.deleteService))

	mux.HandleFunc("GET /v1/pods", s.withAuth(s.listPods))
	mux.HandleFunc("GET /v1/pods/{id}/history", s.withAuth(s.podHistory))
	mux.HandleFunc("POST /v1/pods/{id}/rollback", s.withAuth(s.rollbackPod))

	mux.HandleFunc("GET /v1/namespaces", s.withAuth(s.listNamespaces))
	mux.HandleFunc("POST /v1/namespaces", s.withAuth(s.createNamespace))
	mux.HandleFunc("DELETE /v1/namespaces/{name}", s.withAuth(s.deleteNamespace))

	mux.HandleFunc("POST /v1/priorityclasses", s.withAuth(s.createPriorityClass))
	mux.HandleFunc("POST /v1/tokens", s.withAuth(s.issueToken))

	return mux
}

// withAuth gates admin calls on a bearer token verified by the identity
// collaborator.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(token) > len(prefix) && token[:len(prefix)] == prefix {
			token = token[len(prefix):]
		}
		if err := s.auth.Verify(token); err != nil {
			writeError(w, err)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.CodeOf(err) {
	case types.CodeValidation, types.CodeInvalidState, types.CodeInvalidTransition, types.CodeSameVersion:
		status = http.StatusBadRequest
	case types.CodePodNotFound, types.CodePackNotFound, types.CodeNodeNotFound,
		types.CodeServiceNotFound, types.CodeNamespaceMissing, types.CodeVersionNotFound:
		status = http.StatusNotFound
	case types.CodeNameTaken, types.CodeVersionExists:
		status = http.StatusConflict
	case types.CodeQuotaExceeded, types.CodeNoCompatibleNodes, types.CodeInsufficientResources:
		status = http.StatusUnprocessableEntity
	case types.CodeAuthFailed, types.CodeAuthTimeout:
		status = http.StatusUnauthorized
	}

	var te *types.Error
	if e, ok := err.(*types.Error); ok {
		te = e
	} else {
		te = types.NewError(types.CodeValidation, err.Error())
	}
	writeJSON(w, status, te)
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request) (*T, bool) {
	var v T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		writeError(w, types.Errorf(types.CodeValidation, "bad request body: %v", err))
		return nil, false
	}
	return &v, true
}

func (s *Server) listNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListNodes())
}

func (s *Server) drainNode(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DrainNode(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	s.reconciler.Poke()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) uncordonNode(w http.ResponseWriter, r *http.Request) {
	if err := s.store.UncordonNode(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	s.reconciler.Poke()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPacks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListPacks())
}

func (s *Server) registerPack(w http.ResponseWriter, r *http.Request) {
	spec, ok := decodeBody[state.PackSpec](w, r)
	if !ok {
		return
	}
	pack, err := s.store.RegisterPack(*spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pack)
}

func (s *Server) listServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListServices())
}

func (s *Server) createService(w http.ResponseWriter, r *http.Request) {
	spec, ok := decodeBody[state.ServiceSpec](w, r)
	if !ok {
		return
	}
	svc, err := s.store.CreateService(*spec)
	if err != nil {
		writeError(w, err)
		return
	}
	s.reconciler.Poke()
	writeJSON(w, http.StatusCreated, svc)
}

func (s *Server) updateService(w http.ResponseWriter, r *http.Request) {
	update, ok := decodeBody[state.ServiceUpdate](w, r)
	if !ok {
		return
	}
	svc, err := s.store.UpdateService(r.PathValue("id"), *update)
	if err != nil {
		writeError(w, err)
		return
	}
	s.reconciler.Poke()
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) deleteService(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteService(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	s.reconciler.Poke()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPods(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListPods())
}

func (s *Server) podHistory(w http.ResponseWriter, r *http.Request) {
	podID := r.PathValue("id")
	if _, err := s.store.GetPod(podID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.History(podID))
}

type rollbackRequest struct {
	TargetVersion string `json:"targetVersion"`
}

func (s *Server) rollbackPod(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[rollbackRequest](w, r)
	if !ok {
		return
	}
	pod, err := s.scheduler.Rollback(r.PathValue("id"), req.TargetVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pod)
}

func (s *Server) listNamespaces(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListNamespaces())
}

type namespaceRequest struct {
	Name   string            `json:"name"`
	Quota  *types.Resources  `json:"quota,omitempty"`
	Limits *types.LimitRange `json:"limits,omitempty"`
}

func (s *Server) createNamespace(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[namespaceRequest](w, r)
	if !ok {
		return
	}
	ns, err := s.store.CreateNamespace(req.Name, req.Quota, req.Limits)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ns)
}

func (s *Server) deleteNamespace(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteNamespace(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	s.reconciler.Poke()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createPriorityClass(w http.ResponseWriter, r *http.Request) {
	pc, ok := decodeBody[types.PriorityClass](w, r)
	if !ok {
		return
	}
	created, err := s.store.CreatePriorityClass(*pc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type tokenRequest struct {
	Role TokenRole `json:"role"`
	TTL  string    `json:"ttl,omitempty"`
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[tokenRequest](w, r)
	if !ok {
		return
	}
	ttl := 24 * time.Hour
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, types.Errorf(types.CodeValidation, "bad ttl: %v", err))
			return
		}
		ttl = parsed
	}
	tokens, ok := s.auth.(*TokenManager)
	if !ok {
		writeError(w, types.NewError(types.CodeValidation,
			"token issuance is handled by the external identity provider"))
		return
	}
	jt, err := tokens.Issue(req.Role, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jt)
}
