package approval

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type decisionRequest struct {
	Decision string         `json:"decision"`
	Comment  string         `json:"comment,omitempty"`
	Modified map[string]any `json:"modified_result,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler exposes the queue over HTTP so a web console can list
// pending approvals and submit decisions.
//
//	GET  /approvals                待审批列表
//	GET  /approvals/{id}           单条记录
//	POST /approvals/{id}/decision  提交裁定
func Handler(q *Queue) http.Handler {
	r := chi.NewRouter()

	r.Get("/approvals", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, q.Pending())
	})

	r.Get("/approvals/{id}", func(w http.ResponseWriter, req *http.Request) {
		rec, ok := q.Lookup(chi.URLParam(req, "id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "record not found"})
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	r.Post("/approvals/{id}/decision", func(w http.ResponseWriter, req *http.Request) {
		var body decisionRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}
		var outcome Outcome
		switch body.Decision {
		case "approve":
			outcome = OutcomeApproved
		case "reject":
			outcome = OutcomeRejected
		case "modify":
			if len(body.Modified) == 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "modify requires modified_result"})
				return
			}
			outcome = OutcomeModified
		default:
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "decision must be approve, reject or modify"})
			return
		}

		err := q.Decide(chi.URLParam(req, "id"), Decision{
			Outcome:  outcome,
			Comment:  body.Comment,
			Modified: body.Modified,
			Via:      "web",
		})
		switch {
		case errors.Is(err, ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "record not found"})
		case errors.Is(err, ErrAlreadyDecided):
			writeJSON(w, http.StatusConflict, errorResponse{Error: "record already decided"})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		default:
			rec, _ := q.Lookup(chi.URLParam(req, "id"))
			writeJSON(w, http.StatusOK, rec)
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
