package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Config is everything the server reads from the environment. A .env file
// in the working directory is honored in development; real deployments set
// the variables directly.
type Config struct {
	Addr        string // listen address, e.g. ":8080"
	DatabaseURL string // postgres DSN; empty disables the user store
	LogLevel    string // zap level name
}

func Load() Config {
	_ = godotenv.Load()

	return Config{
		Addr:        getenv("LOBIC_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
