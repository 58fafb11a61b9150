package routes

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"github.com/mbolis/quick-intake/app"
	"github.com/mbolis/quick-intake/httpx"
	"github.com/mbolis/quick-intake/log"
	"github.com/mbolis/quick-intake/security"
	"github.com/mbolis/quick-intake/session"
	"github.com/mbolis/quick-intake/settings"
	"github.com/mbolis/quick-intake/store"
	"github.com/mbolis/quick-intake/upload"
)

const maxMultipartMemory = 32 << 20

func jsonError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.WriteHeader(status)
	render.JSON(w, r, map[string]any{
		"status":  "error",
		"message": message,
	})
}

// GetCsrfToken returns the session's CSRF token to admitted origins.
func GetCsrfToken(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := app.Gateway.AdmitOrigin(w, r); err != nil {
			jsonError(w, r, http.StatusForbidden, err.Error())
			return
		}

		sess := session.FromContext(r.Context())
		render.JSON(w, r, map[string]any{
			"csrf_token": app.Gateway.IssueToken(sess),
		})
	}
}

// SubmitForm is the intake pipeline: admission, rate limiting, attachment
// validation, transactional persistence, then best-effort notifications.
func SubmitForm(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := r.ParseMultipartForm(maxMultipartMemory)
		if errors.Is(err, http.ErrNotMultipart) {
			err = r.ParseForm()
		}
		if err != nil {
			log.Debugf("request.parse_body: %s", err)
			jsonError(w, r, http.StatusBadRequest, "Malformed request body")
			return
		}

		sess := session.FromContext(r.Context())
		if err := app.Gateway.Admit(w, r, sess, r.PostForm.Get("csrf_token")); err != nil {
			jsonError(w, r, http.StatusForbidden, err.Error())
			return
		}

		ip := app.Gateway.ClientIP(r)
		ok, err := app.Gateway.CheckRateLimit(r.Context(), ip, security.IncidentSubmission,
			security.SubmissionLimit, security.SubmissionWindow)
		if err != nil {
			httpx.LogInternalError(w, "security.rate_limit", err)
			return
		}
		if !ok {
			app.Gateway.LogIncident(r.Context(), security.IncidentRateLimitExceeded,
				"Too many submissions", nil, ip)
			jsonError(w, r, http.StatusTooManyRequests, "Too many submissions. Try again later.")
			return
		}

		perFileLimit := int64(app.Settings.GetInt(r.Context(), settings.KeyUploadLimit, 10)) << 20
		aggregateLimit := int64(app.Settings.GetInt(r.Context(), settings.KeyGlobalUploadLimit, 100)) << 20

		files, err := app.Uploads.Handle(r.MultipartForm, perFileLimit, aggregateLimit)
		if err != nil {
			var validation *upload.ValidationError
			if errors.As(err, &validation) {
				jsonError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			log.Errorf("upload.handle: %s", err)
			jsonError(w, r, http.StatusInternalServerError, "Internal error")
			return
		}

		fields := make(map[string]string, len(r.PostForm))
		for key, values := range r.PostForm {
			if len(values) > 0 {
				fields[key] = values[0]
			}
		}

		submissionID, err := app.Submissions.Create(r.Context(), fields, files, "Guest")
		if err != nil {
			if errors.Is(err, store.ErrTooManyFields) {
				jsonError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			log.Errorf("db.create_submission: %s", err)
			jsonError(w, r, http.StatusInternalServerError, "Internal error")
			return
		}

		// counted by the per-IP submission rate limit
		app.Gateway.LogIncident(r.Context(), security.IncidentSubmission,
			"Submission stored", map[string]string{"submission_id": submissionID}, ip)

		app.Dispatcher.Dispatch(r.Context(), submissionID, fields, "Guest")

		w.WriteHeader(http.StatusCreated)
		render.JSON(w, r, map[string]any{
			"status":        "success",
			"message":       "Submission successful",
			"submission_id": submissionID,
		})
	}
}
