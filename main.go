package main

import (
	"context"
	"crypto/subtle"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/brettboylen/upvote-quiz/api"
	"github.com/brettboylen/upvote-quiz/moderation"
	"github.com/brettboylen/upvote-quiz/quiz"
	"github.com/brettboylen/upvote-quiz/store"
	"github.com/brettboylen/upvote-quiz/utils"
)

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	logLevel := flag.String("log-level", "debug", "Logging level (debug, info, warn, error)")
	flag.Parse()

	log := setupLogger(*logLevel)
	log.Info("Starting Upvote Quiz server")

	config, err := utils.LoadConfig(*envPath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	log.WithFields(logrus.Fields{
		"subreddits":  config.Reddit.Subreddits,
		"redis_addr":  config.Redis.Addr,
		"server_port": config.Server.Port,
	}).Info("Configuration loaded")

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	defer rdb.Close()

	quizStore := store.New(rdb, log)
	if err := quizStore.Ping(context.Background()); err != nil {
		log.WithError(err).Fatal("Failed to connect to Redis")
	}

	redditClient := api.NewRedditClient(
		config.Reddit.ClientID,
		config.Reddit.ClientSecret,
		config.Reddit.UserAgent,
		config.Reddit.MaxRequestsPerMinute,
		log,
	)

	tracker := moderation.NewTracker(quizStore, config.Quiz.ReportThreshold, log)
	quizService := quiz.NewService(redditClient, quizStore, tracker, config.Reddit.Subreddits, log).
		WithPostLimit(config.Reddit.PostLimit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go startEchoServer(ctx, config, quizService, tracker, quizStore, log)

	waitForShutdown(cancel, log)
}

// setupLogger sets up the logger with the specified log level
func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// quizErrorResponse is the error body served on quiz failures
type quizErrorResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Retryable  bool   `json:"retryable"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeQuizError(c echo.Context, err error) error {
	apiErr := api.AsError(err)
	return c.JSON(apiErr.HTTPStatus(), quizErrorResponse{
		Status:     "error",
		Message:    apiErr.Message,
		Type:       string(apiErr.Type),
		Retryable:  apiErr.Retryable,
		Suggestion: apiErr.Suggestion,
	})
}

// startEchoServer starts the Echo HTTP API server
func startEchoServer(ctx context.Context, config *utils.Config, quizService *quiz.Service, tracker *moderation.Tracker, quizStore *store.Store, log *logrus.Logger) {
	e := newServer(config, quizService, tracker, quizStore, log)

	// start the server!
	go func() {
		serverAddr := fmt.Sprintf(":%d", config.Server.Port)
		log.WithField("port", config.Server.Port).Info("Starting API server")
		if err := e.Start(serverAddr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	// wait for context cancellation to shut down server
	<-ctx.Done()
	log.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("API server shutdown failed")
	}
}

// newServer builds the echo instance with middleware and routes
func newServer(config *utils.Config, quizService *quiz.Service, tracker *moderation.Tracker, quizStore *store.Store, log *logrus.Logger) *echo.Echo {
	e := echo.New()

	// middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	requestsPerSecond := float64(config.Reddit.MaxRequestsPerMinute) / 60.0

	rateLimit := rate.Limit(requestsPerSecond * 0.95) // use 95% of the rate limit to be safe

	rateLimiterConfig := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rateLimit,
				Burst:     5,
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded, please try again later",
			})
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded, please try again later",
			})
		},
	}
	e.Use(middleware.RateLimiterWithConfig(rateLimiterConfig))

	requireAdminSecret := func(c echo.Context) bool {
		secret := c.QueryParam("secret")
		return subtle.ConstantTimeCompare([]byte(secret), []byte(config.Server.AdminSecret)) == 1
	}

	e.GET("/api/quiz", func(c echo.Context) error {
		req := quiz.Request{
			Subreddit: c.QueryParam("subreddit"),
			Date:      c.QueryParam("date"),
			PostID:    c.QueryParam("postId"),
		}

		if req.Date != "" {
			if _, err := time.Parse(quiz.DateLayout, req.Date); err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{
					"error": "date must be formatted as YYYY-MM-DD",
				})
			}
		}

		result, err := quizService.GetQuiz(c.Request().Context(), req)
		if err != nil {
			return writeQuizError(c, err)
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"quiz":      result.Questions,
			"subreddit": result.Subreddit,
			"date":      result.Date,
		})
	})

	e.GET("/api/daily-community", func(c echo.Context) error {
		community, date, historical, err := quizService.DailyCommunity(c.Request().Context(), c.QueryParam("postId"))
		if err != nil {
			return writeQuizError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"community":    community,
			"date":         date,
			"isHistorical": historical,
		})
	})

	e.POST("/api/report-question", func(c echo.Context) error {
		var body struct {
			PostID     string `json:"postId"`
			ReporterID string `json:"reporterId"`
		}
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
		if body.PostID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "postId is required"})
		}

		count, replaced, err := tracker.Report(c.Request().Context(), body.PostID, body.ReporterID)
		if err != nil {
			log.WithError(err).WithField("post_id", body.PostID).Error("Failed to record report")
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to record report"})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"reported": true,
			"count":    count,
			"replaced": replaced,
		})
	})

	// registers a freshly published post so it keeps serving its
	// original quiz after the rotation moves on
	e.POST("/api/post-meta", func(c echo.Context) error {
		if !requireAdminSecret(c) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var body struct {
			PostID    string `json:"postId"`
			Subreddit string `json:"subreddit"`
			Date      string `json:"date"`
		}
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
		if body.PostID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "postId is required"})
		}

		if err := quizService.RegisterPost(c.Request().Context(), body.PostID, body.Subreddit, body.Date); err != nil {
			log.WithError(err).WithField("post_id", body.PostID).Error("Failed to register post metadata")
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to register post"})
		}

		return c.JSON(http.StatusOK, map[string]bool{"registered": true})
	})

	e.POST("/api/clear-cache", func(c echo.Context) error {
		if !requireAdminSecret(c) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		subreddit := c.QueryParam("subreddit")
		date := c.QueryParam("date")

		// a full flush only happens when explicitly asked for with no
		// parameters; a half-specified target is an admin typo, not a
		// request to delete everything
		if (subreddit == "") != (date == "") {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "specify both subreddit and date to clear one quiz, or neither to clear all",
			})
		}

		if subreddit != "" && date != "" {
			if err := quizStore.DeleteQuiz(c.Request().Context(), subreddit, date); err != nil {
				log.WithError(err).Error("Failed to clear quiz cache entry")
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to clear cache"})
			}
			return c.JSON(http.StatusOK, map[string]interface{}{"cleared": 1})
		}

		deleted, err := quizStore.FlushQuizzes(c.Request().Context())
		if err != nil {
			log.WithError(err).Error("Failed to flush quiz cache")
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to clear cache"})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"cleared": deleted})
	})

	// health check endpoint; useful for k8s liveliness probes
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	return e
}

// waitForShutdown waits for a shutdown signal
func waitForShutdown(cancel context.CancelFunc, log *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Shutdown signal received")

	cancel()

	time.Sleep(1 * time.Second)
	log.Info("Upvote Quiz server stopped")
}
