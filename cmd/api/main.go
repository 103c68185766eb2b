package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"inkwell/api/internal/app"
	"inkwell/api/internal/archive"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/collab"
	"inkwell/api/internal/config"
	"inkwell/api/internal/export"
	"inkwell/api/internal/history"
	"inkwell/api/internal/notify"
	"inkwell/api/internal/presence"
	"inkwell/api/internal/search"
	"inkwell/api/internal/session"
	"inkwell/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	passwords := authpw.NewService(dataStore)

	// Refresh sessions live in Redis when configured, Postgres otherwise.
	var refresh interface {
		SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
		LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
		RevokeRefreshSession(ctx context.Context, tokenHash string) error
	} = dataStore
	var redisStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		refresh = redisStore
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	hub := presence.NewHub(dataStore)
	gateway := collab.NewGateway([]byte(cfg.CollabSecret), cfg.CollabTTL)
	manager := collab.NewManager(dataStore, collab.ManagerConfig{
		Debounce:     cfg.DebounceWindow,
		MaxWait:      cfg.DebounceMaxWait,
		FlushRetries: cfg.FlushRetries,
	})
	hub.BindRooms(manager)
	relay := notify.NewRelay(hub)

	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		searchService = search.NewService(meiliClient, dataStore)
	}

	var historyService *history.Service
	if strings.TrimSpace(cfg.HistoryDir) != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			log.Fatalf("failed to create history dir: %v", err)
		}
		historyService = history.New(cfg.HistoryDir)
	}

	var archiveService *archive.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiveService, err = archive.New(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Printf("WARNING: object archive unavailable: %v", err)
			archiveService = nil
		}
	}

	// Every persisted room flush fans out to the secondary stores.
	if searchService != nil {
		manager.OnFlush(func(ctx context.Context, noteID string, snap store.Snapshot) {
			note, err := dataStore.GetNote(ctx, noteID)
			if err != nil {
				log.Printf("flush index skipped for %s: %v", noteID, err)
				return
			}
			ids := make([]string, 0, len(note.Collaborators))
			for _, c := range note.Collaborators {
				ids = append(ids, c.UserID)
			}
			searchService.IndexNote(search.NoteRecord{
				ID:              noteID,
				Title:           snap.Title,
				Body:            search.ExtractText(snap.Content),
				CreatorID:       note.CreatorID,
				CollaboratorIDs: ids,
			})
		})
	}
	if historyService != nil {
		manager.OnFlush(func(ctx context.Context, noteID string, snap store.Snapshot) {
			// Attribute the commit to whoever is in the room at flush time.
			author := "collab-session"
			if ids := manager.RoomUserIDs(noteID); len(ids) > 0 {
				if users, err := dataStore.ListUsersByIDs(ctx, ids); err == nil && len(users) > 0 {
					names := make([]string, 0, len(users))
					for _, u := range users {
						names = append(names, u.Username)
					}
					author = strings.Join(names, ", ")
				}
			}
			version := history.Version{Title: snap.Title, Content: snap.Content}
			if _, err := historyService.CommitSnapshot(noteID, version, author, "collaborative edit"); err != nil {
				log.Printf("history commit failed for %s: %v", noteID, err)
			}
		})
	}
	if archiveService != nil {
		manager.OnFlush(func(ctx context.Context, noteID string, snap store.Snapshot) {
			if err := archiveService.PutSnapshot(ctx, noteID, snap.State); err != nil {
				log.Printf("archive upload failed for %s: %v", noteID, err)
			}
		})
		manager.OnRestore(archiveService.GetSnapshot)
	}

	service := app.New(cfg, dataStore, refresh, passwords, gateway, manager, relay).
		WithExporter(export.NewService(app.NewExportData(dataStore, historyService)))
	if searchService != nil {
		service = service.WithSearch(searchService)
	}
	if historyService != nil {
		service = service.WithHistory(historyService)
	}
	if archiveService != nil {
		service = service.WithArchive(archiveService)
	}
	if redisStore != nil {
		service.AddReadyCheck("redis", redisStore.Ping)
	}
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	wsHandler := collab.NewWSHandler(gateway, manager, hub, cfg.CORSOrigin)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, wsHandler)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Inkwell API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Flush any dirty rooms before exiting.
	manager.Shutdown(shutdownCtx)
	hub.Shutdown()
}
