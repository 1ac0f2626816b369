package api

import (
	"net/http"

	"github.com/upmon/upmon/internal/service"
)

// HandleListNodes returns a handler for GET /api/v1/nodes.
func HandleListNodes(cp *service.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page, ok := parseIntQuery(w, r, "page")
		if !ok {
			return
		}
		limit, ok := parseIntQuery(w, r, "limit")
		if !ok {
			return
		}
		result, err := cp.ListNodes(RequestUserID(r), service.ListOptions{
			Page:      page,
			Limit:     limit,
			Search:    q.Get("search"),
			Status:    q.Get("status"),
			SortBy:    q.Get("sort_by"),
			SortOrder: q.Get("sort_order"),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

// HandleCreateNode returns a handler for POST /api/v1/nodes.
func HandleCreateNode(cp *service.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec service.NodeSpec
		if err := DecodeBody(r, &spec); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		n, err := cp.CreateNode(RequestUserID(r), spec)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, n)
	}
}

// HandleGetNode returns a handler for GET /api/v1/nodes/{id}.
func HandleGetNode(cp *service.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := cp.GetNode(RequestUserID(r), PathParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}

// HandleUpdateNode returns a handler for PATCH /api/v1/nodes/{id}.
func HandleUpdateNode(cp *service.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		n, err := cp.UpdateNode(RequestUserID(r), PathParam(r, "id"), body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, n)
	}
}

// HandleDeleteNode returns a handler for DELETE /api/v1/nodes/{id}.
func HandleDeleteNode(cp *service.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.DeleteNode(RequestUserID(r), PathParam(r, "id")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandlePauseNode returns a handler for POST /api/v1/nodes/{id}/actions/pause.
func HandlePauseNode(cp *service.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := cp.PauseNode(RequestUserID(r), PathParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, n)
	}
}

// HandleResumeNode returns a handler for POST /api/v1/nodes/{id}/actions/resume.
func HandleResumeNode(cp *service.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := cp.ResumeNode(RequestUserID(r), PathParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, n)
	}
}

// HandleTestNode returns a handler for POST /api/v1/nodes/{id}/actions/test.
// The probe outcome is returned without being recorded.
func HandleTestNode(cp *service.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		outcome, err := cp.TestProbe(r.Context(), RequestUserID(r), PathParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, outcome)
	}
}

// HandleTestConnection returns a handler for POST /api/v1/test-connection.
func HandleTestConnection(cp *service.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec service.NodeSpec
		if err := DecodeBody(r, &spec); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		outcome, err := cp.TestConnection(r.Context(), spec)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, outcome)
	}
}
