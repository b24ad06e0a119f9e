package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the application
type Config struct {
	App    AppConfig
	Reddit RedditConfig
	Redis  RedisConfig
	Server ServerConfig
	Quiz   QuizConfig
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Name    string
	Version string
}

// RedditConfig holds Reddit API configuration
type RedditConfig struct {
	ClientID             string   `validate:"required"`
	ClientSecret         string   `validate:"required"`
	UserAgent            string   `validate:"required"` // strict format per Reddit API docs; see example.env
	Subreddits           []string `validate:"required,min=1"`
	MaxRequestsPerMinute int      `validate:"gt=0"`
	PostLimit            int      `validate:"gt=0,lte=100"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `validate:"required"`
	Password string
	DB       int `validate:"gte=0"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int    `validate:"gt=0"`
	AdminSecret string `validate:"required"` // shared secret for privileged endpoints
}

// QuizConfig holds quiz pipeline configuration
type QuizConfig struct {
	ReportThreshold int `validate:"gt=0"`
}

// LoadConfig loads configuration from .env file
func LoadConfig(envPath string, log *logrus.Logger) (*Config, error) {
	if envPath == "" {
		envPath = ".env"
	}

	if err := godotenv.Load(envPath); err != nil {
		// a missing .env is fine when the variables come from the real
		// environment (containers)
		log.WithField("file", envPath).Debug("No .env file loaded, using process environment")
	}

	subreddits := parseSubreddits(getEnv("QUIZ_SUBREDDITS", ""))

	config := &Config{
		App: AppConfig{
			Name:    getEnv("APP_NAME", "Upvote Quiz"),
			Version: getEnv("APP_VERSION", "1.0.0"),
		},
		Reddit: RedditConfig{
			ClientID:             getEnv("REDDIT_CLIENT_ID", ""),
			ClientSecret:         getEnv("REDDIT_CLIENT_SECRET", ""),
			UserAgent:            getEnv("REDDIT_USER_AGENT", ""),
			Subreddits:           subreddits,
			MaxRequestsPerMinute: getEnvAsInt("REDDIT_MAX_REQUESTS_PER_MINUTE", 100),
			PostLimit:            getEnvAsInt("REDDIT_POST_LIMIT", 50),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Server: ServerConfig{
			Port:        getEnvAsInt("SERVER_PORT", 8080),
			AdminSecret: getEnv("ADMIN_SECRET", ""),
		},
		Quiz: QuizConfig{
			ReportThreshold: getEnvAsInt("QUIZ_REPORT_THRESHOLD", 3),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	log.WithField("file", envPath).Info("Config loaded successfully")
	return config, nil
}

// parseSubreddits parses a comma-separated list of subreddits
func parseSubreddits(subredditsStr string) []string {
	parts := strings.Split(subredditsStr, ",")

	subreddits := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			subreddits = append(subreddits, trimmed)
		}
	}

	return subreddits
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// validateConfig validates the configuration via struct tags, mapping
// validator failures to the environment variable names they came from.
func validateConfig(config *Config) error {
	validate := validator.New()

	if err := validate.Struct(config); err != nil {
		var invalid validator.ValidationErrors
		if ok := errors.As(err, &invalid); ok && len(invalid) > 0 {
			field := invalid[0].StructNamespace()
			if envVar, known := envVarForField[field]; known {
				return fmt.Errorf("%s environment variable is required or invalid", envVar)
			}
			return fmt.Errorf("invalid configuration: %s failed %q", field, invalid[0].Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

var envVarForField = map[string]string{
	"Config.Reddit.ClientID":             "REDDIT_CLIENT_ID",
	"Config.Reddit.ClientSecret":         "REDDIT_CLIENT_SECRET",
	"Config.Reddit.UserAgent":            "REDDIT_USER_AGENT",
	"Config.Reddit.Subreddits":           "QUIZ_SUBREDDITS",
	"Config.Reddit.MaxRequestsPerMinute": "REDDIT_MAX_REQUESTS_PER_MINUTE",
	"Config.Reddit.PostLimit":            "REDDIT_POST_LIMIT",
	"Config.Redis.Addr":                  "REDIS_ADDR",
	"Config.Server.Port":                 "SERVER_PORT",
	"Config.Server.AdminSecret":          "ADMIN_SECRET",
	"Config.Quiz.ReportThreshold":        "QUIZ_REPORT_THRESHOLD",
}
