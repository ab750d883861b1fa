package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/heronmail/heron/internal/account"
	"github.com/heronmail/heron/internal/api"
	"github.com/heronmail/heron/internal/config"
	"github.com/heronmail/heron/internal/crypto"
	"github.com/heronmail/heron/internal/store"
	ws "github.com/heronmail/heron/internal/websocket"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	cipher, err := crypto.NewCipher(cfg.EncryptionKeyBase64)
	if err != nil {
		log.Fatalf("Failed to create cipher: %v", err)
	}

	// Secrets prefer the OS keyring; the encrypted file store catches
	// headless systems without one.
	tokens := &store.FallbackStore{
		Primary:   &store.KeyringStore{Service: cfg.KeyringService},
		Secondary: &store.FileStore{Dir: filepath.Join(cfg.DataDir, "tokens"), Cipher: cipher},
	}

	st, err := store.Open(cfg.DBPath, tokens)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = st.Close() }()

	hub := ws.NewHub()
	refresher := &account.TokenRefresher{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		TokenURL:     cfg.GmailTokenURL,
	}

	manager := account.NewManager(st, hub, refresher)
	if err := manager.Load(); err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}
	defer manager.Shutdown()

	// Warm up the selected account so the UI connects to a populated view.
	if manager.Selected() != nil {
		go func() {
			if err := manager.Query(); err != nil {
				log.Printf("Startup query failed: %v", err)
			}
		}()
	}

	wsHandler := api.NewWebSocketHandler(hub, manager)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRoot)
	mux.Handle("/ws", http.HandlerFunc(wsHandler.Handle))

	address := "127.0.0.1:" + cfg.Port
	log.Printf("Heron backend starting on %s (environment: %s)", address, cfg.Environment)

	server := &http.Server{Addr: address, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("Shutting down")
	_ = server.Close()
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Heron backend is running")
}
