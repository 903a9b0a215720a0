package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cfg "github.com/example/chatgate/internal/config"
	"github.com/gorilla/mux"
	_ "modernc.org/sqlite"
)

var jwtSecret []byte

type App struct {
	DB          DB
	Cfg         *cfg.Config
	Notifier    *Notifier
	rateLimiter *RateLimiter
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

// bootstrapOwner ensures the configured owner account exists and holds the
// owner grant. Registration is invite-only, so the first owner has to come
// from configuration rather than an invite.
func bootstrapOwner(db DB, email, password string) error {
	if email == "" {
		return nil
	}
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := db.GetUserByEmail(email)
	if err != nil {
		return err
	}
	if user == nil {
		if password == "" {
			return fmt.Errorf("BOOTSTRAP_OWNER_PASSWORD required to create owner %s", email)
		}
		hashed, err := hashPassword(password)
		if err != nil {
			return err
		}
		user, err = db.CreateUser(email, hashed, "Owner")
		if err != nil {
			return err
		}
		log.Printf("created bootstrap owner account %s", email)
	}
	if err := db.GrantRole(user.ID, RoleUser); err != nil {
		return err
	}
	return db.GrantRole(user.ID, RoleOwner)
}

// NewRouter wires the HTTP surface for the app. Split out of main so the
// handler tests exercise the same routing and middleware as production.
func NewRouter(app *App) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(SecurityHeaders)
	r.Use(app.Logging)
	r.Use(app.CORS)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := app.DB.(interface{ ping() bool }); ok {
			if !p.ping() {
				w.WriteHeader(503)
				w.Write([]byte(`{"ready":false}`))
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ready":true}`))
	}).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Public endpoints: registration and invite validation are reachable
	// pre-authentication, rate limited by remote address. The validation
	// endpoint runs with the service's own DB privileges; anonymous
	// callers never query invite rows.
	public := v1.NewRoute().Subrouter()
	public.Use(app.RateLimit)
	public.HandleFunc("/auth/register", app.HandleRegister).Methods("POST")
	public.HandleFunc("/auth/login", app.HandleLogin).Methods("POST")
	public.HandleFunc("/auth/refresh", app.HandleRefresh).Methods("POST")
	public.HandleFunc("/auth/logout", app.HandleLogout).Methods("POST")
	public.HandleFunc("/invites/validate", app.HandleValidateInvite).Methods("POST")

	// Authenticated endpoints. Auth runs before the rate limiter so the
	// limiter keys by user id rather than remote address.
	authed := v1.NewRoute().Subrouter()
	authed.Use(app.SessionAuth)
	authed.Use(app.RateLimit)
	authed.HandleFunc("/bug-reports", app.HandleCreateBugReport).Methods("POST")

	// Admin console endpoints; each handler consults the authorization
	// policy with server-resolved roles.
	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(app.SessionAuth)
	admin.Use(app.RateLimit)
	admin.HandleFunc("/invites", app.HandleIssueInvite).Methods("POST")
	admin.HandleFunc("/invites", app.HandleListInvites).Methods("GET")
	admin.HandleFunc("/users", app.HandleListUsers).Methods("GET")
	admin.HandleFunc("/users/{id}/role", app.HandleChangeRole).Methods("PUT")
	admin.HandleFunc("/users/{id}", app.HandleDeleteUser).Methods("DELETE")
	admin.HandleFunc("/bug-reports", app.HandleListBugReports).Methods("GET")
	admin.HandleFunc("/bug-reports/{id}/status", app.HandleUpdateBugReportStatus).Methods("PUT")

	return r
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	jwtSecret = []byte(c.JwtSecret)

	var db DB
	switch c.DBAdapter {
	case "sqlite":
		s, err := NewSQLiteDB(c.SQLiteFile)
		if err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		db = s
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			log.Fatalf("postgres config error: %v", err)
		}

		log.Println("Applying database migrations...")
		if err := ApplyMigrations("./migrations", dsn); err != nil {
			log.Printf("migrations warning: %v", err)
		} else {
			log.Println("Migrations applied successfully")
		}

		p, err := NewPostgresDB(dsn)
		if err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		db = p
		log.Println("Connected to PostgreSQL database")
	case "memory":
		log.Println("Using in-memory database (not recommended for production)")
		db = NewMemoryDB()
	default:
		log.Fatalf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	if err := bootstrapOwner(db, c.BootstrapOwnerEmail, c.BootstrapOwnerPassword); err != nil {
		log.Fatalf("bootstrap owner: %v", err)
	}

	app := &App{
		DB:          db,
		Cfg:         c,
		Notifier:    NewNotifier(c.InviteWebhookURL),
		rateLimiter: NewRateLimiter(c.RateLimitPerMin),
	}
	r := NewRouter(app)

	srv := &http.Server{Handler: r, Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		fmt.Println("Starting chatgate server on", c.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closer, ok := app.DB.(interface{ close() error }); ok {
		_ = closer.close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed:%+v", err)
	}
	fmt.Println("Server exited properly")
}
