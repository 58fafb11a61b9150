package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mbolis/quick-intake/app"
	"github.com/mbolis/quick-intake/routes/middlewares"
	"github.com/mbolis/quick-intake/security"
)

func Wire(app app.App) http.Handler {
	root := chi.NewRouter()
	root.Use(middlewares.RequestLogger, middleware.Recoverer)
	root.Use(security.Headers("/admin", "/api/admin"))
	root.Use(app.Sessions.Middleware)

	root.Mount("/api", apiRouter(app))
	root.Mount("/", servePublicFiles())

	return root
}

func apiRouter(app app.App) http.Handler {
	api := chi.NewRouter()

	api.Get("/csrf", GetCsrfToken(app))
	api.Post("/submit", SubmitForm(app))

	api.Route("/admin", func(r chi.Router) {
		r.Use(middlewares.Admin(app.TokenSecret))

		r.Get("/submissions", ListSubmissions(app))
		r.Get("/submissions/{id}", GetSubmission(app))
		r.Get("/submissions/{id}/logs", GetSubmissionAuditLog(app))
		r.Put("/submissions/{id}/status", UpdateSubmissionStatus(app))
		r.Put("/submissions/status", BulkUpdateStatus(app))
		r.Delete("/submissions/{id}", DeleteSubmission(app))
		r.Post("/submissions/delete", BulkDeleteSubmissions(app))

		r.Get("/incidents", ListIncidents(app))

		r.Get("/settings", GetSettings(app))
		r.Put("/settings", UpdateSettings(app))

		r.Get("/statuses", ListStatuses(app))
		r.Post("/statuses", CreateStatus(app))
		r.Delete(`/statuses/{id:^\d+$}`, DeleteStatus(app))

		r.Get("/files/{name}", DownloadFile(app))
	})

	api.Post("/login", Login(app))
	api.Post("/refresh", Refresh(app))

	return api
}

func servePublicFiles() http.Handler {
	return http.FileServer(http.Dir("public"))
}
