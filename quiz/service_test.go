package quiz

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettboylen/upvote-quiz/api"
	"github.com/brettboylen/upvote-quiz/models"
	"github.com/brettboylen/upvote-quiz/moderation"
	"github.com/brettboylen/upvote-quiz/store"
)

// fakeSource is an in-memory ContentSource with call counting, so
// tests can verify that cache hits avoid refetching.
type fakeSource struct {
	mu           sync.Mutex
	hotCalls     map[string]int
	lastHotLimit int
	commentCalls int
	posts        map[string][]models.Post
	comments     map[string][]models.Comment
	hotErrs      map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		hotCalls: make(map[string]int),
		posts:    make(map[string][]models.Post),
		comments: make(map[string][]models.Comment),
		hotErrs:  make(map[string]error),
	}
}

func (f *fakeSource) HotPosts(ctx context.Context, subreddit string, limit int) ([]models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hotCalls[subreddit]++
	f.lastHotLimit = limit
	if err := f.hotErrs[subreddit]; err != nil {
		return nil, err
	}
	return f.posts[subreddit], nil
}

func (f *fakeSource) Comments(ctx context.Context, subreddit, postID string) ([]models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commentCalls++
	return f.comments[postID], nil
}

func (f *fakeSource) hotCallCount(subreddit string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hotCalls[subreddit]
}

// seedPosts fills a subreddit with n qualifying posts. Post i is
// titled with i 'a's so the shortest-first ranking is predictable.
func (f *fakeSource) seedPosts(subreddit string, n int) {
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-p%d", subreddit, i)
		f.posts[subreddit] = append(f.posts[subreddit], models.Post{
			ID:          id,
			Title:       "Post " + strings.Repeat("a", i+1),
			Author:      "someuser",
			Subreddit:   subreddit,
			Permalink:   "/r/" + subreddit + "/comments/" + id + "/slug/",
			NumComments: 3,
		})
		f.comments[id] = []models.Comment{
			{ID: id + "-c1", Body: "first answer", Ups: 40, Author: "u1"},
			{ID: id + "-c2", Body: "second answer", Ups: 20, Author: "u2"},
			{ID: id + "-c3", Body: "third answer", Ups: 5, Author: "u3"},
		}
	}
}

// fixedNow is a Wednesday with an even day-of-year (10), so with two
// communities the rotation starts at index 0.
var fixedNow = time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC)

func setupService(t *testing.T, subreddits []string) (*Service, *fakeSource, *store.Store) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.New(rdb, log).WithClock(func() time.Time { return fixedNow })
	tracker := moderation.NewTracker(st, 3, log)
	source := newFakeSource()
	svc := NewService(source, st, tracker, subreddits, log).WithClock(func() time.Time { return fixedNow })

	return svc, source, st
}

func TestExplicitQuizServesFromCacheAfterFirstFetch(t *testing.T) {
	svc, source, _ := setupService(t, []string{"funny"})
	source.seedPosts("funny", 6)
	ctx := context.Background()

	first, err := svc.GetQuiz(ctx, Request{Subreddit: "funny", Date: "2024-01-01"})
	require.NoError(t, err)
	require.Len(t, first.Questions, 5)
	assert.Equal(t, "funny", first.Subreddit)
	assert.Equal(t, "2024-01-01", first.Date)
	assert.Equal(t, 1, source.hotCallCount("funny"))

	second, err := svc.GetQuiz(ctx, Request{Subreddit: "funny", Date: "2024-01-01"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, source.hotCallCount("funny"), "cache hit must not refetch")
}

func TestExplicitQuizShortestQuestionsFirst(t *testing.T) {
	svc, source, _ := setupService(t, []string{"funny"})
	source.seedPosts("funny", 7)

	quiz, err := svc.GetQuiz(context.Background(), Request{Subreddit: "funny"})
	require.NoError(t, err)
	require.Len(t, quiz.Questions, 5)

	// the two longest-titled posts are ranked out by the take-5 cutoff
	for _, q := range quiz.Questions {
		assert.NotEqual(t, "funny-p5", q.PostID)
		assert.NotEqual(t, "funny-p6", q.PostID)
	}
}

func TestExplicitQuizInsufficientData(t *testing.T) {
	svc, source, st := setupService(t, []string{"funny"})
	source.seedPosts("funny", 3)
	ctx := context.Background()

	_, err := svc.GetQuiz(ctx, Request{Subreddit: "funny"})
	require.Error(t, err)

	apiErr := api.AsError(err)
	assert.Equal(t, api.ErrInsufficientData, apiErr.Type)
	assert.True(t, apiErr.Retryable)

	// explicit mode never touches the skip-list
	skipped, err := st.SkippedSubreddits(ctx)
	require.NoError(t, err)
	assert.Empty(t, skipped)
}

func TestExplicitQuizSurfacesUnavailable(t *testing.T) {
	svc, source, st := setupService(t, []string{"funny"})
	source.hotErrs["bannedsub"] = api.NewError(api.ErrSubredditNotFound, `subreddit "bannedsub" is unavailable (status 403)`, nil)
	ctx := context.Background()

	_, err := svc.GetQuiz(ctx, Request{Subreddit: "bannedsub"})
	require.Error(t, err)
	assert.True(t, api.IsUnavailable(err))

	skipped, err := st.SkippedSubreddits(ctx)
	require.NoError(t, err)
	assert.Empty(t, skipped)
}

func TestRotationSkipsUnavailableSubreddit(t *testing.T) {
	svc, source, st := setupService(t, []string{"bannedsub", "funny"})
	source.hotErrs["bannedsub"] = api.NewError(api.ErrSubredditNotFound, `subreddit "bannedsub" is unavailable (status 403)`, nil)
	source.seedPosts("funny", 6)
	ctx := context.Background()

	quiz, err := svc.GetQuiz(ctx, Request{})
	require.NoError(t, err, "the user must never see a rotation candidate failure")
	assert.Equal(t, "funny", quiz.Subreddit)

	skipped, err := st.SkippedSubreddits(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bannedsub"}, skipped)
}

func TestRotationHonorsExistingSkipList(t *testing.T) {
	svc, source, st := setupService(t, []string{"bannedsub", "funny"})
	source.seedPosts("funny", 6)
	ctx := context.Background()

	require.NoError(t, st.AddSkippedSubreddit(ctx, "bannedsub"))

	quiz, err := svc.GetQuiz(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, "funny", quiz.Subreddit)
	assert.Equal(t, 0, source.hotCallCount("bannedsub"), "skip-listed subreddits are not retried")
}

func TestRotationSkipsContentStarvedSubreddit(t *testing.T) {
	svc, source, st := setupService(t, []string{"tinysub", "funny"})
	source.seedPosts("tinysub", 2)
	source.seedPosts("funny", 6)
	ctx := context.Background()

	quiz, err := svc.GetQuiz(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, "funny", quiz.Subreddit)

	skipped, err := st.SkippedSubreddits(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tinysub"}, skipped)
}

func TestRotationDoesNotSkipTransientFailures(t *testing.T) {
	svc, source, st := setupService(t, []string{"flaky", "funny"})
	source.hotErrs["flaky"] = api.NewError(api.ErrNetwork, "failed to reach Reddit API", nil)
	source.seedPosts("funny", 6)
	ctx := context.Background()

	quiz, err := svc.GetQuiz(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, "funny", quiz.Subreddit)

	// a network blip is not grounds for a permanent exclusion
	skipped, err := st.SkippedSubreddits(ctx)
	require.NoError(t, err)
	assert.Empty(t, skipped)
}

func TestRotationExhaustedIsRetryable(t *testing.T) {
	svc, source, _ := setupService(t, []string{"a", "b"})
	source.hotErrs["a"] = api.NewError(api.ErrSubredditNotFound, "gone", nil)
	source.hotErrs["b"] = api.NewError(api.ErrSubredditNotFound, "gone", nil)

	_, err := svc.GetQuiz(context.Background(), Request{})
	require.Error(t, err)

	apiErr := api.AsError(err)
	assert.Equal(t, api.ErrUnknown, apiErr.Type)
	assert.True(t, apiErr.Retryable)
}

func TestReportedQuestionIsSubstituted(t *testing.T) {
	svc, source, st := setupService(t, []string{"funny"})
	source.seedPosts("funny", 6)
	tracker := moderation.NewTracker(st, 3, logrus.New())
	ctx := context.Background()

	first, err := svc.GetQuiz(ctx, Request{Subreddit: "funny", Date: "2024-01-10"})
	require.NoError(t, err)
	require.Len(t, first.Questions, 5)

	// the longest post is ranked out of the quiz and becomes the
	// natural replacement candidate
	for _, q := range first.Questions {
		require.NotEqual(t, "funny-p5", q.PostID)
	}

	badID := first.Questions[2].PostID
	for _, reporter := range []string{"alice", "bob", "carol"} {
		_, _, err := tracker.Report(ctx, badID, reporter)
		require.NoError(t, err)
	}

	second, err := svc.GetQuiz(ctx, Request{Subreddit: "funny", Date: "2024-01-10"})
	require.NoError(t, err)
	require.Len(t, second.Questions, 5)

	ids := make([]string, 0, 5)
	for _, q := range second.Questions {
		ids = append(ids, q.PostID)
	}
	assert.NotContains(t, ids, badID, "replaced post must never be served again")
	assert.Contains(t, ids, "funny-p5", "fresh question substituted in place")
}

func TestFlaggedQuestionKeptWhenNoReplacementExists(t *testing.T) {
	svc, source, st := setupService(t, []string{"funny"})
	source.seedPosts("funny", 5)
	tracker := moderation.NewTracker(st, 3, logrus.New())
	ctx := context.Background()

	first, err := svc.GetQuiz(ctx, Request{Subreddit: "funny", Date: "2024-01-10"})
	require.NoError(t, err)

	badID := first.Questions[0].PostID
	for _, reporter := range []string{"alice", "bob", "carol"} {
		_, _, err := tracker.Report(ctx, badID, reporter)
		require.NoError(t, err)
	}

	// every other qualifying post is already in the quiz, so the
	// known-bad question stays rather than failing the response
	second, err := svc.GetQuiz(ctx, Request{Subreddit: "funny", Date: "2024-01-10"})
	require.NoError(t, err)
	require.Len(t, second.Questions, 5)

	ids := make([]string, 0, 5)
	for _, q := range second.Questions {
		ids = append(ids, q.PostID)
	}
	assert.Contains(t, ids, badID)
}

func TestHistoricalPostServesOriginalQuiz(t *testing.T) {
	svc, source, _ := setupService(t, []string{"funny", "askreddit"})
	source.seedPosts("funny", 6)
	ctx := context.Background()

	original, err := svc.GetQuiz(ctx, Request{Subreddit: "funny", Date: "2023-12-01"})
	require.NoError(t, err)
	require.NoError(t, svc.RegisterPost(ctx, "published-post", "funny", "2023-12-01"))

	got, err := svc.GetQuiz(ctx, Request{PostID: "published-post"})
	require.NoError(t, err)
	assert.Equal(t, original, got)
	assert.Equal(t, 1, source.hotCallCount("funny"), "historical lookup must come from cache")
}

func TestUnknownPostIDFallsBackToRotation(t *testing.T) {
	svc, source, _ := setupService(t, []string{"funny"})
	source.seedPosts("funny", 6)

	quiz, err := svc.GetQuiz(context.Background(), Request{PostID: "never-registered"})
	require.NoError(t, err)
	assert.Equal(t, "funny", quiz.Subreddit)
	assert.Equal(t, fixedNow.Format(DateLayout), quiz.Date)
}

func TestConfiguredPostLimitReachesSource(t *testing.T) {
	svc, source, _ := setupService(t, []string{"funny"})
	source.seedPosts("funny", 6)
	svc.WithPostLimit(25)

	_, err := svc.GetQuiz(context.Background(), Request{Subreddit: "funny"})
	require.NoError(t, err)

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Equal(t, 25, source.lastHotLimit)
}

func TestWithPostLimitIgnoresNonPositive(t *testing.T) {
	svc, source, _ := setupService(t, []string{"funny"})
	source.seedPosts("funny", 6)
	svc.WithPostLimit(0)

	_, err := svc.GetQuiz(context.Background(), Request{Subreddit: "funny"})
	require.NoError(t, err)

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Equal(t, defaultPostLimit, source.lastHotLimit)
}

func TestDailyCommunity(t *testing.T) {
	svc, _, _ := setupService(t, []string{"funny", "askreddit"})
	ctx := context.Background()

	community, date, historical, err := svc.DailyCommunity(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "funny", community) // day-of-year 10 mod 2 == 0
	assert.Equal(t, "2024-01-10", date)
	assert.False(t, historical)

	require.NoError(t, svc.RegisterPost(ctx, "old-post", "askreddit", "2023-11-20"))

	community, date, historical, err = svc.DailyCommunity(ctx, "old-post")
	require.NoError(t, err)
	assert.Equal(t, "askreddit", community)
	assert.Equal(t, "2023-11-20", date)
	assert.True(t, historical)
}
