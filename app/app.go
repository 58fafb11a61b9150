package app

import (
	"database/sql"

	"github.com/go-chi/oauth"
	"github.com/mbolis/quick-intake/config"
	"github.com/mbolis/quick-intake/mailer"
	"github.com/mbolis/quick-intake/security"
	"github.com/mbolis/quick-intake/session"
	"github.com/mbolis/quick-intake/settings"
	"github.com/mbolis/quick-intake/statuses"
	"github.com/mbolis/quick-intake/store"
	"github.com/mbolis/quick-intake/upload"
)

// App is the explicit per-process context handed to every handler factory:
// one pooled DB connection, the session registry and the component instances
// built over them.
type App struct {
	*sql.DB
	*oauth.BearerServer
	config.Config

	Settings    *settings.Store
	Sessions    *session.Store
	Gateway     *security.Gateway
	Uploads     *upload.Manager
	Statuses    *statuses.Store
	Submissions *store.Store
	Dispatcher  *mailer.Dispatcher
}
