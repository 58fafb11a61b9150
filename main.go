package main

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/mbolis/quick-intake/app"
	"github.com/mbolis/quick-intake/config"
	"github.com/mbolis/quick-intake/database"
	"github.com/mbolis/quick-intake/httpx"
	"github.com/mbolis/quick-intake/log"
	"github.com/mbolis/quick-intake/mailer"
	"github.com/mbolis/quick-intake/routes"
	"github.com/mbolis/quick-intake/security"
	"github.com/mbolis/quick-intake/session"
	"github.com/mbolis/quick-intake/settings"
	"github.com/mbolis/quick-intake/statuses"
	"github.com/mbolis/quick-intake/store"
	"github.com/mbolis/quick-intake/upload"
)

const sessionTTL = 24 * time.Hour

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		log.Fatal("main.config:", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal("main.db.open:", err)
	}
	defer db.Close()

	settingsStore := settings.NewStore(db)
	gateway := security.NewGateway(db, settingsStore)
	uploads := upload.NewManager(cfg.UploadsDir)
	statusStore := statuses.NewStore(db)
	submissions := store.New(db, statusStore, settingsStore, uploads)

	helloHost, _, _ := net.SplitHostPort(cfg.Addr)
	smtp := mailer.NewSMTPMailer(settingsStore, helloHost)
	dispatcher := mailer.NewDispatcher(settingsStore, gateway, smtp)

	app := app.App{
		DB:           db,
		BearerServer: httpx.NewBearerServer(db, cfg, gateway),
		Config:       cfg,

		Settings:    settingsStore,
		Sessions:    session.NewStore(sessionTTL),
		Gateway:     gateway,
		Uploads:     uploads,
		Statuses:    statusStore,
		Submissions: submissions,
		Dispatcher:  dispatcher,
	}

	handler := routes.Wire(app)

	err = runServer(cfg, handler)
	if !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("main.server:", err)
	}
}

func runServer(cfg config.Config, handler http.Handler) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	log.Info("Listening on " + cfg.Url())
	return srv.ListenAndServe()
}
