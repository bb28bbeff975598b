// docket-oauth walks a Linear workspace admin through the OAuth flow and
// prints the access token to store in LINEAR_ACCESS_TOKEN. Only needed
// when the bot should act as an application instead of a developer key.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/lmittmann/tint"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	ClientID     string `envconfig:"LINEAR_CLIENT_ID" required:"true"`
	ClientSecret string `envconfig:"LINEAR_CLIENT_SECRET" required:"true"`
	HTTPAddr     string `split_words:"true" default:"127.0.0.1:3000"`
	RedirectURL  string `split_words:"true" default:"http://localhost:3000/callback"`
}

var linearEndpoint = oauth2.Endpoint{
	AuthURL:   "https://linear.app/oauth/authorize",
	TokenURL:  "https://api.linear.app/oauth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

type server struct {
	conf *oauth2.Config

	mu     sync.Mutex
	states map[string]time.Time
}

func (s *server) authorize(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	s.mu.Lock()
	s.states[state] = time.Now().Add(10 * time.Minute)
	s.mu.Unlock()

	// actor=application files issues as the app, not as the admin who
	// authorized it.
	url := s.conf.AuthCodeURL(state, oauth2.SetAuthURLParam("actor", "application"))
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *server) callback(w http.ResponseWriter, r *http.Request) {
	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		http.Error(w, "authorization denied: "+errMsg, http.StatusBadRequest)
		return
	}
	if !s.takeState(r.URL.Query().Get("state")) {
		http.Error(w, "unknown or expired state", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	token, err := s.conf.Exchange(r.Context(), code)
	if err != nil {
		slog.ErrorContext(r.Context(), "exchanging code", "error", err)
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}

	slog.InfoContext(r.Context(), "issued Linear access token")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"message":      "Authorization successful. Store this token in LINEAR_ACCESS_TOKEN.",
		"access_token": token.AccessToken,
	})
}

func (s *server) takeState(state string) bool {
	if state == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.states[state]
	delete(s.states, state)
	return ok && time.Now().Before(expiry)
}

func main() {
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help {
		_ = envconfig.Usage("docket_oauth", &Config{})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Fatal("Error loading .env file")
		}
	}

	var c Config
	if err := envconfig.Process("docket_oauth", &c); err != nil {
		log.Fatalf("error loading configuration: %v", err)
	}

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo})))

	s := &server{
		conf: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			// Linear expects the scope list comma separated, so it
			// travels as a single scope string.
			Scopes:   []string{"read,write,issues:create"},
			Endpoint: linearEndpoint,
		},
		states: make(map[string]time.Time),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.authorize)
	mux.HandleFunc("GET /callback", s.callback)

	httpServer := &http.Server{Addr: c.HTTPAddr, Handler: mux}

	wg.Go(func() error {
		slog.Info("starting OAuth helper", "addr", c.HTTPAddr, "open", "http://"+c.HTTPAddr+"/")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}

		return nil
	})
	wg.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-ctx.Done():
		case <-sig:
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return err
			}
		}

		return nil
	})

	if err := wg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("error running docket-oauth", "error", err)
		os.Exit(1)
	}
}
