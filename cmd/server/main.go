package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"sentence-bias-eval/backend/internal/api"
)

func main() {
	baseDir, err := os.Getwd()
	if err != nil {
		logrus.Fatalf("determine working directory: %v", err)
	}

	dataDir := filepath.Join(baseDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logrus.Fatalf("create data directory: %v", err)
	}

	cfg := api.Config{
		DBPath:        filepath.Join(dataDir, "sentence-bias.db"),
		ModelDir:      filepath.Join(baseDir, "models"),
		ReferencePath: filepath.Join(baseDir, "models", "reference_discrepancies.json"),
		AllowedOrigins: []string{
			"http://localhost:4200",
			"http://127.0.0.1:4200",
			"https://sentence-bias-frontend.onrender.com",
		},
	}

	if override := strings.TrimSpace(os.Getenv("SENTENCE_DB_PATH")); override != "" {
		cfg.DBPath = override
	}
	if override := strings.TrimSpace(os.Getenv("MODEL_DIR")); override != "" {
		cfg.ModelDir = override
	}
	if override := strings.TrimSpace(os.Getenv("MODEL_PATH")); override != "" {
		cfg.ModelPath = override
	}
	if override := strings.TrimSpace(os.Getenv("REFERENCE_DISCREPANCIES_PATH")); override != "" {
		cfg.ReferencePath = override
	}
	if origins := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); origins != "" {
		var allowed []string
		for _, origin := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				allowed = append(allowed, trimmed)
			}
		}
		cfg.AllowedOrigins = allowed
	}

	server, err := api.NewServer(cfg)
	if err != nil {
		logrus.Fatalf("create server: %v", err)
	}

	router, err := server.Router()
	if err != nil {
		logrus.Fatalf("configure router: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "5000"
	}

	logrus.Infof("starting sentence-bias-eval backend on :%s", port)
	if err := router.Run(":" + port); err != nil {
		logrus.Fatalf("server exited: %v", err)
	}
}
