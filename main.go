package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"model_registry/registry"
	"model_registry/schema"
	"model_registry/storage"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

/**
 * ==========================================================================
 * ==== All variables that are used by the registry must be loaded here. ====
 * ==== This is to make the data flow clear so that a user can see what  ====
 * ==== variables are exposed, and how the values are propagated through ====
 * ==== the system.                                                      ====
 * ==========================================================================
 */
type registryEnv struct {
	DatabaseUri string `env:"DATABASE_URI" envDefault:"registry.db"`
	StorageDir  string `env:"STORAGE_DIR" envDefault:"storage"`
	LogDir      string `env:"LOG_DIR"`

	JwtSecret string `env:"JWT_SECRET,required"`

	AdminEmail    string `env:"ADMIN_MAIL,required"`
	AdminPassword string `env:"ADMIN_PASSWORD,required"`

	AllowedOrigin string `env:"ALLOWED_ORIGIN" envDefault:"*"`
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

func loadEnv() registryEnv {
	var cfg registryEnv
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error loading env variables: %v", err)
	}
	return cfg
}

func postgresDsn(uri string) string {
	parts, err := url.Parse(uri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func initLogging(logDir string) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	if logDir == "" {
		return
	}

	err := os.MkdirAll(logDir, 0777)
	if err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile, err := os.OpenFile(filepath.Join(logDir, "model_registry.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}

	log.SetOutput(io.MultiWriter(logFile, os.Stderr))
	slog.Info("logging initialized", "log_file", logFile.Name())
}

func initDb(databaseUri string) *gorm.DB {
	var dialector gorm.Dialector
	if strings.HasPrefix(databaseUri, "postgres://") || strings.HasPrefix(databaseUri, "postgresql://") {
		dialector = postgres.Open(postgresDsn(databaseUri))
	} else {
		dialector = sqlite.Open(databaseUri)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	if err := schema.Migrate(db); err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 3040, "The port to run on")

	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	cfg := loadEnv()

	initLogging(cfg.LogDir)

	db := initDb(cfg.DatabaseUri)

	store := storage.NewLocalStorage(cfg.StorageDir, []byte(cfg.JwtSecret))

	modelRegistry := registry.New(db, store, []byte(cfg.JwtSecret))

	if err := modelRegistry.AddAdmin(cfg.AdminEmail, cfg.AdminPassword); err != nil {
		log.Fatalf("error adding admin account: %v", err)
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.AllowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Mount("/api/v1", modelRegistry.Routes())
	r.Handle("/metrics", promhttp.Handler())

	slog.Info("starting server", "port", *port)
	err := http.ListenAndServe(fmt.Sprintf(":%d", *port), r)
	if err != nil {
		log.Fatalf("listen and serve returned error: %v", err)
	}
}
