package routes

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/ajg/form"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/oauth"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/mbolis/quick-intake/app"
	"github.com/mbolis/quick-intake/httpx"
	"github.com/mbolis/quick-intake/log"
	"github.com/mbolis/quick-intake/store"
)

var validate = validator.New()

func actor(r *http.Request) string {
	credential, _ := r.Context().Value(oauth.CredentialContext).(string)
	return credential
}

func ListSubmissions(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filters store.Filters
		if err := form.DecodeValues(&filters, r.URL.Query()); err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_filters")
			return
		}

		submissions, err := app.Submissions.GetAll(r.Context(), filters)
		if err != nil {
			httpx.LogInternalError(w, "db.get_submissions", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"submissions": submissions,
		})
	}
}

func GetSubmission(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		submission, fields, err := app.Submissions.GetByID(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			httpx.LogNotFound(w, "get_submission", id)
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.get_submission", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"submission": submission,
			"fields":     fields,
		})
	}
}

func GetSubmissionAuditLog(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		entries, err := app.Submissions.AuditLog(r.Context(), id)
		if err != nil {
			httpx.LogInternalError(w, "db.get_audit_log", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"log": entries,
		})
	}
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

func UpdateSubmissionStatus(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req updateStatusRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}
		if err := validate.Struct(req); err != nil {
			httpx.LogStatusMsg(w, http.StatusBadRequest, log.DebugLevel, "request.validate", "missing status")
			return
		}

		known, err := app.Statuses.Exists(r.Context(), req.Status)
		if err != nil {
			httpx.LogInternalError(w, "db.get_status", err)
			return
		}
		if !known {
			httpx.LogStatusMsg(w, http.StatusBadRequest, log.DebugLevel, "request.validate.status",
				"unknown status: %s", req.Status)
			return
		}

		if err := app.Submissions.UpdateStatus(r.Context(), id, req.Status, actor(r)); err != nil {
			httpx.LogInternalError(w, "db.update_status", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type bulkStatusRequest struct {
	IDs    []string `json:"ids" validate:"required,min=1,dive,required"`
	Status string   `json:"status" validate:"required"`
}

func BulkUpdateStatus(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkStatusRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}
		if err := validate.Struct(req); err != nil {
			httpx.LogStatusMsg(w, http.StatusBadRequest, log.DebugLevel, "request.validate", "missing ids or status")
			return
		}

		known, err := app.Statuses.Exists(r.Context(), req.Status)
		if err != nil {
			httpx.LogInternalError(w, "db.get_status", err)
			return
		}
		if !known {
			httpx.LogStatusMsg(w, http.StatusBadRequest, log.DebugLevel, "request.validate.status",
				"unknown status: %s", req.Status)
			return
		}

		if err := app.Submissions.BulkUpdateStatus(r.Context(), req.IDs, req.Status, actor(r)); err != nil {
			httpx.LogInternalError(w, "db.bulk_update_status", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func DeleteSubmission(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		result, err := app.Submissions.Delete(r.Context(), id)
		if err != nil {
			httpx.LogInternalError(w, "db.delete_submission", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"status": "success",
			"files":  result,
		})
	}
}

type bulkDeleteRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

func BulkDeleteSubmissions(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkDeleteRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}
		if err := validate.Struct(req); err != nil {
			httpx.LogStatusMsg(w, http.StatusBadRequest, log.DebugLevel, "request.validate", "missing ids")
			return
		}

		result, err := app.Submissions.BulkDelete(r.Context(), req.IDs)
		if err != nil {
			httpx.LogInternalError(w, "db.bulk_delete", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"status": "success",
			"files":  result,
		})
	}
}

func ListIncidents(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		incidents, err := app.Gateway.Incidents(r.Context(), limit)
		if err != nil {
			httpx.LogInternalError(w, "db.get_incidents", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"incidents": incidents,
		})
	}
}

func GetSettings(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := app.Settings.All(r.Context())
		if err != nil {
			httpx.LogInternalError(w, "db.get_settings", err)
			return
		}
		render.JSON(w, r, map[string]any{
			"settings": all,
		})
	}
}

func UpdateSettings(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var values map[string]string
		if err := render.DecodeJSON(r.Body, &values); err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}

		for key, value := range values {
			if err := app.Settings.Put(r.Context(), key, value); err != nil {
				httpx.LogInternalError(w, "db.put_setting", err)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func ListStatuses(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := app.Statuses.All(r.Context())
		if err != nil {
			httpx.LogInternalError(w, "db.get_statuses", err)
			return
		}
		render.JSON(w, r, map[string]any{
			"statuses": statuses,
		})
	}
}

type createStatusRequest struct {
	Status string `json:"status" validate:"required"`
	Color  string `json:"color"`
}

func CreateStatus(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createStatusRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}
		if err := validate.Struct(req); err != nil {
			httpx.LogStatusMsg(w, http.StatusBadRequest, log.DebugLevel, "request.validate", "missing status")
			return
		}

		if err := app.Statuses.Create(r.Context(), req.Status, req.Color); err != nil {
			httpx.LogInternalError(w, "db.create_status", err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func DeleteStatus(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		if err := app.Statuses.Delete(r.Context(), id); err != nil {
			httpx.LogInternalError(w, "db.delete_status", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// DownloadFile serves a stored attachment by its bare random name. Resolve
// rejects traversal attempts and dot-prefixed names.
func DownloadFile(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		path, err := app.Uploads.Resolve(name)
		if err != nil {
			httpx.LogStatus(w, http.StatusForbidden, log.DebugLevel, "download.resolve")
			return
		}
		if _, err := os.Stat(path); err != nil {
			httpx.LogNotFound(w, "download", name)
			return
		}

		disposition := "attachment"
		if r.URL.Query().Has("inline") {
			disposition = "inline"
		}
		w.Header().Set("Content-Disposition", disposition+`; filename="`+name+`"`)
		w.Header().Set("Cache-Control", "private, max-age=3600")

		http.ServeFile(w, r, path)
	}
}
