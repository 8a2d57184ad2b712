package main

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lobic-app/lobic-backend/internal/config"
	"github.com/lobic-app/lobic-backend/internal/httpapi"
	"github.com/lobic-app/lobic-backend/internal/registry"
	"github.com/lobic-app/lobic-backend/internal/userstore"
	"github.com/lobic-app/lobic-backend/internal/ws"
)

func main() {
	cfg := config.Load()

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	log, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	var friends ws.FriendStore = noopFriends{}
	if cfg.DatabaseURL != "" {
		store, err := userstore.Open(cfg.DatabaseURL, log)
		if err != nil {
			log.Fatal("user store unavailable", zap.Error(err))
		}
		friends = store
	} else {
		log.Warn("DATABASE_URL unset, friend operations disabled")
	}

	reg := registry.New(log)

	// Build the router with the registry injected.
	handler := httpapi.SetupRoutes(reg, friends, log)

	log.Info("listening", zap.String("addr", cfg.Addr))
	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

// noopFriends keeps the socket surface alive when no database is configured.
type noopFriends struct{}

func (noopFriends) AddFriend(context.Context, string, string) error    { return nil }
func (noopFriends) RemoveFriend(context.Context, string, string) error { return nil }
