package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/upvote-quiz/models"
)

const (
	defaultBaseURL = "https://oauth.reddit.com"
	defaultAuthURL = "https://www.reddit.com/api/v1/access_token"

	defaultPostLimit = 50 // hot posts fetched per subreddit

	// cap on flattened comments per post; deeply nested threads are cut
	// off rather than walked to exhaustion
	maxFlattenedComments = 500
)

// TokenBucket implements a rate limiter using the token bucket algorithm
type TokenBucket struct {
	mutex       sync.Mutex
	capacity    int
	tokens      float64
	fillRate    float64 // tokens per second
	lastRefill  time.Time
	waitTimeout time.Duration // max time to wait for a token
}

// NewTokenBucket creates a new token bucket rate limiter
func NewTokenBucket(capacity int, fillRate float64, waitTimeout time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity:    capacity,
		tokens:      1, // start with a single token to avoid an initial burst
		fillRate:    fillRate,
		lastRefill:  time.Now(),
		waitTimeout: waitTimeout,
	}
}

// Take attempts to take a token from the bucket.
// Returns true if successful, false if no token is available.
func (tb *TokenBucket) Take() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.lastRefill = now

	newTokens := elapsed * tb.fillRate
	if newTokens > 0 {
		tb.tokens = tb.tokens + newTokens
		if tb.tokens > float64(tb.capacity) {
			tb.tokens = float64(tb.capacity)
		}
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}

	return false
}

// TakeWithTimeout attempts to take a token from the bucket, waiting up to waitTimeout
func (tb *TokenBucket) TakeWithTimeout() bool {
	if tb.Take() {
		return true
	}

	tb.mutex.Lock()
	tokensNeeded := 1 - tb.tokens
	timeToWait := time.Duration(tokensNeeded / tb.fillRate * float64(time.Second))
	if timeToWait > tb.waitTimeout {
		timeToWait = tb.waitTimeout
	}
	tb.mutex.Unlock()

	time.Sleep(timeToWait)
	return tb.Take()
}

// RedditClient talks to the Reddit API with application-only OAuth and
// client-side rate limiting.
type RedditClient struct {
	clientID     string
	clientSecret string
	userAgent    string
	baseURL      string
	authURL      string
	httpClient   *http.Client
	accessToken  string
	tokenExpiry  time.Time
	mutex        sync.RWMutex
	log          *logrus.Logger
	rateLimiter  *TokenBucket
}

// redditPost mirrors the Reddit listing child structure for a post
type redditPost struct {
	Kind string `json:"kind"`
	Data struct {
		ID                 string            `json:"id"`
		Title              string            `json:"title"`
		Author             string            `json:"author"`
		Subreddit          string            `json:"subreddit"`
		URL                string            `json:"url"`
		SelfText           string            `json:"selftext"`
		Permalink          string            `json:"permalink"`
		Score              int               `json:"score"`
		Ups                int               `json:"ups"`
		NumComments        int               `json:"num_comments"`
		CreatedUTC         float64           `json:"created_utc"`
		Over18             bool              `json:"over_18"`
		Stickied           bool              `json:"stickied"`
		Distinguished      string            `json:"distinguished"`
		Locked             bool              `json:"locked"`
		PostHint           string            `json:"post_hint"`
		IsVideo            bool              `json:"is_video"`
		CrosspostParents   []json.RawMessage `json:"crosspost_parent_list"`
		Preview            *redditPreview    `json:"preview"`
		Media              *redditMedia      `json:"media"`
	} `json:"data"`
}

type redditPreview struct {
	Images []struct {
		Source struct {
			URL string `json:"url"`
		} `json:"source"`
	} `json:"images"`
}

type redditMedia struct {
	RedditVideo *struct {
		FallbackURL string `json:"fallback_url"`
	} `json:"reddit_video"`
}

type redditListing struct {
	Kind string `json:"kind"`
	Data struct {
		After    string            `json:"after"`
		Children []json.RawMessage `json:"children"`
	} `json:"data"`
}

type redditComment struct {
	Kind string `json:"kind"`
	Data struct {
		ID      string          `json:"id"`
		Body    string          `json:"body"`
		Ups     int             `json:"ups"`
		Author  string          `json:"author"`
		Replies json.RawMessage `json:"replies"` // empty string or a nested listing
	} `json:"data"`
}

// NewRedditClient creates a new Reddit API client
func NewRedditClient(clientID, clientSecret, userAgent string, maxRequestsPerMinute int, log *logrus.Logger) *RedditClient {
	// default to 100 requests per minute (real Reddit limit)
	if maxRequestsPerMinute <= 0 {
		maxRequestsPerMinute = 100
	}

	// Reddit allocates requests per rolling 10-minute period; run at 95%
	// of the allocation as a safety buffer
	totalAllocation := maxRequestsPerMinute * 10
	targetRate := float64(totalAllocation) / 600.0 * 0.95

	rateLimiter := NewTokenBucket(
		1, // no burst
		targetRate,
		30*time.Second,
	)

	return &RedditClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		userAgent:    userAgent,
		baseURL:      defaultBaseURL,
		authURL:      defaultAuthURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		log:          log,
		rateLimiter:  rateLimiter,
	}
}

// authenticate performs application-only OAuth against the Reddit API,
// reusing a cached token while it is still valid.
func (r *RedditClient) authenticate(ctx context.Context) error {
	r.mutex.RLock()
	token := r.accessToken
	expiry := r.tokenExpiry
	r.mutex.RUnlock()

	if token != "" && time.Now().Before(expiry) {
		return nil
	}

	r.log.Info("Authenticating with Reddit API")

	if !r.rateLimiter.TakeWithTimeout() {
		return NewError(ErrRateLimit, "rate limit exceeded during authentication", nil)
	}

	data := url.Values{}
	data.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.authURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create auth request: %w", err)
	}

	req.SetBasicAuth(r.clientID, r.clientSecret)
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return NewError(ErrNetwork, "failed to reach Reddit auth endpoint", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return NewError(ErrAPI, fmt.Sprintf("auth request failed with status %d: %s", resp.StatusCode, string(body)), nil)
	}

	var authResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}

	r.mutex.Lock()
	r.accessToken = authResp.AccessToken
	r.tokenExpiry = time.Now().Add(time.Duration(authResp.ExpiresIn) * time.Second)
	r.mutex.Unlock()

	r.log.Info("Successfully authenticated with Reddit API")
	return nil
}

// get performs an authenticated GET and returns the response body.
// Non-200 statuses are classified into typed errors.
func (r *RedditClient) get(ctx context.Context, endpoint, subreddit string) ([]byte, error) {
	if err := r.authenticate(ctx); err != nil {
		return nil, err
	}

	if !r.rateLimiter.TakeWithTimeout() {
		return nil, NewError(ErrRateLimit, "client-side rate limit exceeded", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	r.mutex.RLock()
	token := r.accessToken
	r.mutex.RUnlock()

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, NewError(ErrNetwork, "failed to reach Reddit API", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(ErrNetwork, "failed to read Reddit API response", err)
	}

	// X-Ratelimit-Remaining is bugged upstream (always 0), so only the
	// used/reset pair is worth logging
	r.log.WithFields(logrus.Fields{
		"used":      getHeaderAsInt(resp.Header, "X-Ratelimit-Used"),
		"reset_sec": getHeaderAsInt(resp.Header, "X-Ratelimit-Reset"),
	}).Debug("Reddit rate limit headers")

	if resp.StatusCode != http.StatusOK {
		r.log.WithFields(logrus.Fields{
			"subreddit":   subreddit,
			"status_code": resp.StatusCode,
			"endpoint":    endpoint,
		}).Warn("Reddit API error response")
		return nil, classifyStatus(resp.StatusCode, subreddit)
	}

	return body, nil
}

// HotPosts fetches the current hot posts for a subreddit
func (r *RedditClient) HotPosts(ctx context.Context, subreddit string, limit int) ([]models.Post, error) {
	if limit <= 0 || limit > 100 {
		limit = defaultPostLimit
	}

	endpoint := fmt.Sprintf("%s/r/%s/hot.json?limit=%d", r.baseURL, subreddit, limit)

	r.log.WithFields(logrus.Fields{
		"subreddit": subreddit,
		"limit":     limit,
	}).Debug("Fetching hot posts")

	body, err := r.get(ctx, endpoint, subreddit)
	if err != nil {
		return nil, err
	}

	var listing redditListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("failed to decode posts response: %w", err)
	}

	posts := make([]models.Post, 0, len(listing.Data.Children))
	for _, raw := range listing.Data.Children {
		var rp redditPost
		if err := json.Unmarshal(raw, &rp); err != nil {
			continue
		}
		if rp.Kind != "t3" {
			continue
		}
		posts = append(posts, toPost(rp))
	}

	r.log.WithFields(logrus.Fields{
		"subreddit":  subreddit,
		"post_count": len(posts),
	}).Info("Fetched hot posts from Reddit")

	return posts, nil
}

// Comments fetches the comment tree for a post and flattens it.
func (r *RedditClient) Comments(ctx context.Context, subreddit, postID string) ([]models.Comment, error) {
	endpoint := fmt.Sprintf("%s/r/%s/comments/%s.json?limit=100", r.baseURL, subreddit, postID)

	body, err := r.get(ctx, endpoint, subreddit)
	if err != nil {
		return nil, err
	}

	// the comments endpoint returns [postListing, commentListing]
	var listings []redditListing
	if err := json.Unmarshal(body, &listings); err != nil {
		return nil, fmt.Errorf("failed to decode comments response: %w", err)
	}
	if len(listings) < 2 {
		return nil, fmt.Errorf("unexpected comments response shape for post %s", postID)
	}

	comments := flattenComments(listings[1].Data.Children)

	r.log.WithFields(logrus.Fields{
		"subreddit":     subreddit,
		"post_id":       postID,
		"comment_count": len(comments),
	}).Debug("Fetched comments for post")

	return comments, nil
}

// flattenComments walks a comment tree iteratively (no recursion, so
// adversarially deep threads cannot blow the stack) and returns at most
// maxFlattenedComments flattened comments.
func flattenComments(children []json.RawMessage) []models.Comment {
	comments := make([]models.Comment, 0, len(children))

	stack := make([][]json.RawMessage, 0, 4)
	stack = append(stack, children)

	for len(stack) > 0 && len(comments) < maxFlattenedComments {
		batch := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, raw := range batch {
			if len(comments) >= maxFlattenedComments {
				break
			}

			var rc redditComment
			if err := json.Unmarshal(raw, &rc); err != nil {
				continue
			}
			// "more" placeholders and anything non-comment are skipped
			if rc.Kind != "t1" {
				continue
			}

			author := rc.Data.Author
			if author == "[deleted]" {
				author = ""
			}

			comments = append(comments, models.Comment{
				ID:     rc.Data.ID,
				Body:   rc.Data.Body,
				Ups:    rc.Data.Ups,
				Author: author,
			})

			// replies is "" when there are none, a listing otherwise
			if replies := rc.Data.Replies; len(replies) > 0 && replies[0] == '{' {
				var nested redditListing
				if err := json.Unmarshal(replies, &nested); err == nil && len(nested.Data.Children) > 0 {
					stack = append(stack, nested.Data.Children)
				}
			}
		}
	}

	return comments
}

func toPost(rp redditPost) models.Post {
	post := models.Post{
		ID:            rp.Data.ID,
		Title:         rp.Data.Title,
		Author:        rp.Data.Author,
		Subreddit:     rp.Data.Subreddit,
		URL:           rp.Data.URL,
		SelfText:      rp.Data.SelfText,
		Permalink:     rp.Data.Permalink,
		Score:         rp.Data.Score,
		Ups:           rp.Data.Ups,
		NumComments:   rp.Data.NumComments,
		CreatedUTC:    rp.Data.CreatedUTC,
		Over18:        rp.Data.Over18,
		Stickied:      rp.Data.Stickied,
		Distinguished: rp.Data.Distinguished,
		Locked:        rp.Data.Locked,
		IsCrosspost:   len(rp.Data.CrosspostParents) > 0,
		IsVideo:       rp.Data.IsVideo,
		PostHint:      rp.Data.PostHint,
	}

	if rp.Data.Preview != nil {
		for _, img := range rp.Data.Preview.Images {
			if img.Source.URL != "" {
				post.PreviewImages = append(post.PreviewImages, img.Source.URL)
			}
		}
	}

	if rp.Data.Media != nil && rp.Data.Media.RedditVideo != nil {
		post.VideoFallbackURL = rp.Data.Media.RedditVideo.FallbackURL
	}

	return post
}

// getHeaderAsInt parses a numeric response header, returning 0 when it
// is absent or malformed.
func getHeaderAsInt(header http.Header, name string) int {
	value := header.Get(name)
	if value == "" {
		return 0
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}

	return intValue
}
