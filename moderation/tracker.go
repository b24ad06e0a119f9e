// Package moderation tracks abuse reports against quiz posts. A post
// that collects enough distinct reports is permanently replaced.
package moderation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/upvote-quiz/store"
)

// DefaultThreshold is how many reports pull a post from service.
const DefaultThreshold = 3

// Tracker accumulates per-post report counts in the store and flags
// posts for replacement once the threshold is reached. The state
// machine per post is Unreported -> Reported(n<threshold) -> Replaced,
// with no path back.
type Tracker struct {
	store     *store.Store
	threshold int
	log       *logrus.Logger
}

// NewTracker creates a Tracker. A non-positive threshold falls back to
// the default.
func NewTracker(st *store.Store, threshold int, log *logrus.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{
		store:     st,
		threshold: threshold,
		log:       log,
	}
}

// Report records a report against a post and returns the resulting
// count and whether the post is now (or already was) replaced.
//
// A named reporter is only counted once per post. An empty reporterID
// is treated as always novel — it gets a synthetic id so repeated
// anonymous reports each count. That keeps one identity-less abuser
// from blocking the path to replacement while still deduplicating
// identified users.
func (t *Tracker) Report(ctx context.Context, postID, reporterID string) (int, bool, error) {
	if postID == "" {
		return 0, false, fmt.Errorf("postID is required")
	}

	if reporterID == "" {
		reporterID = "anon-" + uuid.NewString()
	}

	count, added, err := t.store.AddReporter(ctx, postID, reporterID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record report for %s: %w", postID, err)
	}

	t.log.WithFields(logrus.Fields{
		"post_id":      postID,
		"report_count": count,
		"deduplicated": !added,
	}).Info("Question reported")

	if count < t.threshold {
		return count, false, nil
	}

	if err := t.store.AddReplacedPost(ctx, postID); err != nil {
		return count, false, fmt.Errorf("failed to flag %s for replacement: %w", postID, err)
	}

	t.log.WithField("post_id", postID).Warn("Question reached report threshold, flagged for replacement")
	return count, true, nil
}

// IsReplaced reports whether a post has been pulled from service.
func (t *Tracker) IsReplaced(ctx context.Context, postID string) (bool, error) {
	replaced, err := t.store.ReplacedPosts(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range replaced {
		if id == postID {
			return true, nil
		}
	}
	return false, nil
}

// ReplacedPosts returns the full replaced set as a lookup map.
func (t *Tracker) ReplacedPosts(ctx context.Context) (map[string]bool, error) {
	ids, err := t.store.ReplacedPosts(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}
