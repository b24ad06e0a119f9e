// Package store is a thin adapter over Redis for quizzes, post
// metadata, the subreddit skip-list and moderation state. It owns key
// layout and TTL policy; callers treat everything as values.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/upvote-quiz/models"
)

const (
	// quizzes and post metadata stay replayable for a month after the
	// last write; skip-list and moderation keys never expire
	quizTTL = 30 * 24 * time.Hour

	skipListKey     = "skip_subreddits"
	replacedPostKey = "replaced_posts"
)

// Store wraps a Redis client with the key and expiry conventions of
// the quiz service.
type Store struct {
	rdb *redis.Client
	log *logrus.Logger
	now func() time.Time
}

// New creates a Store using the real clock.
func New(rdb *redis.Client, log *logrus.Logger) *Store {
	return &Store{
		rdb: rdb,
		log: log,
		now: time.Now,
	}
}

// WithClock overrides the time source, used by tests to pin dates.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func quizKey(subreddit, date string) string {
	return fmt.Sprintf("quiz:%s:%s", subreddit, date)
}

func postMetaKey(postID string) string {
	return "post_meta:" + postID
}

func reportKey(postID string) string {
	return "report:" + postID
}

// GetQuiz returns the cached quiz for (subreddit, date). The second
// return value is false on a cache miss.
func (s *Store) GetQuiz(ctx context.Context, subreddit, date string) (*models.Quiz, bool, error) {
	data, err := s.rdb.Get(ctx, quizKey(subreddit, date)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read quiz %s/%s: %w", subreddit, date, err)
	}

	var quiz models.Quiz
	if err := json.Unmarshal(data, &quiz); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached quiz %s/%s: %w", subreddit, date, err)
	}
	return &quiz, true, nil
}

// SetQuiz caches a quiz with the 30-day TTL anchored at write time.
func (s *Store) SetQuiz(ctx context.Context, quiz *models.Quiz) error {
	data, err := json.Marshal(quiz)
	if err != nil {
		return fmt.Errorf("failed to encode quiz: %w", err)
	}
	if err := s.rdb.Set(ctx, quizKey(quiz.Subreddit, quiz.Date), data, quizTTL).Err(); err != nil {
		return fmt.Errorf("failed to write quiz %s/%s: %w", quiz.Subreddit, quiz.Date, err)
	}
	return nil
}

// DeleteQuiz drops a single cached quiz.
func (s *Store) DeleteQuiz(ctx context.Context, subreddit, date string) error {
	if err := s.rdb.Del(ctx, quizKey(subreddit, date)).Err(); err != nil {
		return fmt.Errorf("failed to delete quiz %s/%s: %w", subreddit, date, err)
	}
	return nil
}

// FlushQuizzes deletes every cached quiz. Moderation and skip-list
// state is left alone.
func (s *Store) FlushQuizzes(ctx context.Context) (int, error) {
	deleted := 0
	iter := s.rdb.Scan(ctx, 0, "quiz:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("failed to delete %s: %w", iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("quiz key scan failed: %w", err)
	}
	return deleted, nil
}

// GetPostMeta resolves a published post id to the (date, subreddit) it
// was generated for.
func (s *Store) GetPostMeta(ctx context.Context, postID string) (*models.PostMetadata, bool, error) {
	data, err := s.rdb.Get(ctx, postMetaKey(postID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read post metadata for %s: %w", postID, err)
	}

	var meta models.PostMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, false, fmt.Errorf("failed to decode post metadata for %s: %w", postID, err)
	}
	return &meta, true, nil
}

// SetPostMeta records which quiz a published post shows, with the same
// long TTL as the quiz itself.
func (s *Store) SetPostMeta(ctx context.Context, postID string, meta models.PostMetadata) error {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.now()
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode post metadata: %w", err)
	}
	if err := s.rdb.Set(ctx, postMetaKey(postID), data, quizTTL).Err(); err != nil {
		return fmt.Errorf("failed to write post metadata for %s: %w", postID, err)
	}
	return nil
}

// SkippedSubreddits returns the subreddits excluded from rotation.
func (s *Store) SkippedSubreddits(ctx context.Context) ([]string, error) {
	return s.stringList(ctx, skipListKey)
}

// AddSkippedSubreddit adds a subreddit to the skip-list. Idempotent.
func (s *Store) AddSkippedSubreddit(ctx context.Context, subreddit string) error {
	_, _, err := s.appendUnique(ctx, skipListKey, subreddit)
	return err
}

// Reporters returns the ids that reported a post.
func (s *Store) Reporters(ctx context.Context, postID string) ([]string, error) {
	return s.stringList(ctx, reportKey(postID))
}

// AddReporter records a report against a post and returns the new
// report count plus whether this reporter was already counted.
func (s *Store) AddReporter(ctx context.Context, postID, reporterID string) (int, bool, error) {
	count, added, err := s.appendUnique(ctx, reportKey(postID), reporterID)
	return count, added, err
}

// ReplacedPosts returns the ids of posts pulled from service.
func (s *Store) ReplacedPosts(ctx context.Context) ([]string, error) {
	return s.stringList(ctx, replacedPostKey)
}

// AddReplacedPost marks a post as permanently replaced. Idempotent.
func (s *Store) AddReplacedPost(ctx context.Context, postID string) error {
	_, _, err := s.appendUnique(ctx, replacedPostKey, postID)
	return err
}

// stringList reads a JSON-encoded string array, treating a missing key
// as empty.
func (s *Store) stringList(ctx context.Context, key string) ([]string, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return list, nil
}

// appendUnique adds value to a JSON string array unless it is already
// present, returning the resulting length and whether it was added.
// These collections are written without a TTL.
func (s *Store) appendUnique(ctx context.Context, key, value string) (int, bool, error) {
	list, err := s.stringList(ctx, key)
	if err != nil {
		return 0, false, err
	}

	for _, existing := range list {
		if existing == value {
			return len(list), false, nil
		}
	}

	list = append(list, value)
	data, err := json.Marshal(list)
	if err != nil {
		return 0, false, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return 0, false, fmt.Errorf("failed to write %s: %w", key, err)
	}
	return len(list), true, nil
}
