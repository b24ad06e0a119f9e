package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hotListingJSON = `{
	"kind": "Listing",
	"data": {
		"after": null,
		"children": [
			{
				"kind": "t3",
				"data": {
					"id": "p1",
					"title": "A fine post",
					"author": "someuser",
					"subreddit": "test",
					"url": "https://i.redd.it/pic.jpg",
					"selftext": "",
					"permalink": "/r/test/comments/p1/a_fine_post/",
					"score": 120,
					"ups": 120,
					"num_comments": 44,
					"over_18": false,
					"stickied": false,
					"locked": false,
					"preview": {"images": [{"source": {"url": "https://preview.redd.it/pic.jpg?width=640&amp;auto=webp"}}]}
				}
			},
			{
				"kind": "t3",
				"data": {
					"id": "p2",
					"title": "A video post",
					"author": "other",
					"subreddit": "test",
					"url": "https://v.redd.it/abc123",
					"permalink": "/r/test/comments/p2/a_video_post/",
					"is_video": true,
					"media": {"reddit_video": {"fallback_url": "https://v.redd.it/abc123/DASH_720.mp4"}},
					"crosspost_parent_list": [{"id": "orig"}],
					"distinguished": "moderator",
					"num_comments": 3
				}
			}
		]
	}
}`

const commentsJSON = `[
	{"kind": "Listing", "data": {"children": [{"kind": "t3", "data": {"id": "p1"}}]}},
	{"kind": "Listing", "data": {"children": [
		{"kind": "t1", "data": {
			"id": "c1", "body": "top comment", "ups": 50, "author": "alice",
			"replies": {"kind": "Listing", "data": {"children": [
				{"kind": "t1", "data": {"id": "c2", "body": "nested reply", "ups": 7, "author": "[deleted]", "replies": ""}}
			]}}
		}},
		{"kind": "t1", "data": {"id": "c3", "body": "second comment", "ups": 20, "author": "bob", "replies": ""}},
		{"kind": "more", "data": {"id": "_", "count": 10}}
	]}}
]`

func newTestClient(t *testing.T) (*RedditClient, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-token",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/r/test/hot.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(hotListingJSON))
	})
	mux.HandleFunc("/r/test/comments/p1.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(commentsJSON))
	})
	mux.HandleFunc("/r/bannedsub/hot.json", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Forbidden", http.StatusForbidden)
	})
	mux.HandleFunc("/r/busy/hot.json", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	client := NewRedditClient("id", "secret", "test-agent", 6000, log)
	client.baseURL = server.URL
	client.authURL = server.URL + "/api/v1/access_token"
	return client, server
}

func TestHotPosts(t *testing.T) {
	client, _ := newTestClient(t)

	posts, err := client.HotPosts(context.Background(), "test", 25)
	require.NoError(t, err)
	require.Len(t, posts, 2)

	assert.Equal(t, "p1", posts[0].ID)
	assert.Equal(t, "A fine post", posts[0].Title)
	assert.Equal(t, 44, posts[0].NumComments)
	assert.Equal(t, []string{"https://preview.redd.it/pic.jpg?width=640&amp;auto=webp"}, posts[0].PreviewImages)
	assert.False(t, posts[0].IsCrosspost)

	assert.Equal(t, "p2", posts[1].ID)
	assert.True(t, posts[1].IsVideo)
	assert.Equal(t, "https://v.redd.it/abc123/DASH_720.mp4", posts[1].VideoFallbackURL)
	assert.True(t, posts[1].IsCrosspost)
	assert.Equal(t, "moderator", posts[1].Distinguished)
}

func TestHotPostsForbiddenIsUnavailable(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.HotPosts(context.Background(), "bannedsub", 25)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))

	apiErr := AsError(err)
	assert.Equal(t, ErrSubredditNotFound, apiErr.Type)
	assert.False(t, apiErr.Retryable)
}

func TestHotPostsRateLimited(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.HotPosts(context.Background(), "busy", 25)
	require.Error(t, err)

	apiErr := AsError(err)
	assert.Equal(t, ErrRateLimit, apiErr.Type)
	assert.True(t, apiErr.Retryable)
}

func TestCommentsFlattensNestedReplies(t *testing.T) {
	client, _ := newTestClient(t)

	comments, err := client.Comments(context.Background(), "test", "p1")
	require.NoError(t, err)
	require.Len(t, comments, 3)

	assert.Equal(t, "c1", comments[0].ID)
	assert.Equal(t, 50, comments[0].Ups)
	assert.Equal(t, "c3", comments[1].ID)

	// nested reply flattened, deleted author normalized to empty
	assert.Equal(t, "c2", comments[2].ID)
	assert.Equal(t, "", comments[2].Author)
}

func TestFlattenCommentsBounded(t *testing.T) {
	children := make([]json.RawMessage, 0, maxFlattenedComments+100)
	for i := 0; i < maxFlattenedComments+100; i++ {
		raw := fmt.Sprintf(`{"kind":"t1","data":{"id":"c%d","body":"b","ups":1,"author":"a","replies":""}}`, i)
		children = append(children, json.RawMessage(raw))
	}

	comments := flattenComments(children)
	assert.Len(t, comments, maxFlattenedComments)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantType  ErrorType
		retryable bool
	}{
		{http.StatusNotFound, ErrSubredditNotFound, false},
		{http.StatusForbidden, ErrSubredditNotFound, false},
		{http.StatusUnavailableForLegalReasons, ErrSubredditNotFound, false},
		{http.StatusTooManyRequests, ErrRateLimit, true},
		{http.StatusBadGateway, ErrAPI, true},
		{http.StatusInternalServerError, ErrAPI, true},
		{http.StatusBadRequest, ErrAPI, false},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprintf("status %d", tc.status), func(t *testing.T) {
			err := classifyStatus(tc.status, "somesub")
			assert.Equal(t, tc.wantType, err.Type)
			assert.Equal(t, tc.retryable, err.Retryable)
		})
	}
}

func TestGetHeaderAsInt(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string][]string
		key      string
		expected int
	}{
		{
			name:     "Valid integer header",
			headers:  map[string][]string{"X-Ratelimit-Used": {"42"}},
			key:      "X-Ratelimit-Used",
			expected: 42,
		},
		{
			name:     "Missing header",
			headers:  map[string][]string{"X-Ratelimit-Used": {"10"}},
			key:      "X-Ratelimit-Reset",
			expected: 0,
		},
		{
			name:     "Non-integer header value",
			headers:  map[string][]string{"X-Ratelimit-Used": {"not-a-number"}},
			key:      "X-Ratelimit-Used",
			expected: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			header := http.Header(tc.headers)
			assert.Equal(t, tc.expected, getHeaderAsInt(header, tc.key))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewError(ErrNetwork, "failed to reach Reddit API", cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, err.Retryable)
}
