// Package quiz coordinates the whole pipeline: rotation selection,
// cache lookup, content fetch, filtering, caching and report-based
// question replacement.
package quiz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brettboylen/upvote-quiz/api"
	"github.com/brettboylen/upvote-quiz/filter"
	"github.com/brettboylen/upvote-quiz/models"
	"github.com/brettboylen/upvote-quiz/moderation"
	"github.com/brettboylen/upvote-quiz/rotation"
	"github.com/brettboylen/upvote-quiz/store"
)

const (
	// DateLayout is the calendar-date format used in cache keys.
	DateLayout = "2006-01-02"

	// hot posts fetched per subreddit when generating a quiz
	defaultPostLimit = 50

	// concurrent comment fetches per quiz generation
	commentFetchWorkers = 8
)

// ContentSource is the upstream the quizzes are built from.
type ContentSource interface {
	HotPosts(ctx context.Context, subreddit string, limit int) ([]models.Post, error)
	Comments(ctx context.Context, subreddit, postID string) ([]models.Comment, error)
}

// Request selects which quiz to serve. PostID wins over Subreddit;
// with neither set, today's rotation decides.
type Request struct {
	Subreddit string
	Date      string
	PostID    string
}

// Service assembles and serves quizzes.
type Service struct {
	source     ContentSource
	store      *store.Store
	tracker    *moderation.Tracker
	subreddits []string
	postLimit  int
	now        func() time.Time
	log        *logrus.Logger
}

// NewService creates a quiz service over the given collaborators.
func NewService(source ContentSource, st *store.Store, tracker *moderation.Tracker, subreddits []string, log *logrus.Logger) *Service {
	return &Service{
		source:     source,
		store:      st,
		tracker:    tracker,
		subreddits: subreddits,
		postLimit:  defaultPostLimit,
		now:        time.Now,
		log:        log,
	}
}

// WithClock overrides the time source, used by tests to pin dates.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithPostLimit sets how many hot posts are fetched per subreddit when
// generating a quiz. Non-positive values keep the default.
func (s *Service) WithPostLimit(limit int) *Service {
	if limit > 0 {
		s.postLimit = limit
	}
	return s
}

// GetQuiz resolves a request to a five-question quiz.
func (s *Service) GetQuiz(ctx context.Context, req Request) (*models.Quiz, error) {
	today := s.now().Format(DateLayout)

	if req.PostID != "" {
		meta, ok, err := s.store.GetPostMeta(ctx, req.PostID)
		if err != nil {
			s.log.WithError(err).WithField("post_id", req.PostID).Warn("Post metadata lookup failed, falling back to rotation")
		}
		if ok {
			// historical posts pin their original (subreddit, date)
			return s.explicitQuiz(ctx, meta.Subreddit, meta.Date)
		}
		return s.rotationQuiz(ctx, today)
	}

	if req.Subreddit != "" {
		date := req.Date
		if date == "" {
			date = today
		}
		return s.explicitQuiz(ctx, req.Subreddit, date)
	}

	return s.rotationQuiz(ctx, today)
}

// DailyCommunity reports which community a post (or today) maps to.
func (s *Service) DailyCommunity(ctx context.Context, postID string) (community, date string, historical bool, err error) {
	if postID != "" {
		meta, ok, metaErr := s.store.GetPostMeta(ctx, postID)
		if metaErr != nil {
			s.log.WithError(metaErr).WithField("post_id", postID).Warn("Post metadata lookup failed")
		}
		if ok {
			return meta.Subreddit, meta.Date, true, nil
		}
	}

	now := s.now()
	return rotation.DailyCommunity(now, s.subreddits), now.Format(DateLayout), false, nil
}

// RegisterPost records which (subreddit, date) a freshly published post
// shows, so it keeps serving the same quiz after rotation moves on.
func (s *Service) RegisterPost(ctx context.Context, postID, subreddit, date string) error {
	if postID == "" {
		return fmt.Errorf("postID is required")
	}
	if date == "" {
		date = s.now().Format(DateLayout)
	}
	if subreddit == "" {
		subreddit = rotation.DailyCommunity(s.now(), s.subreddits)
	}
	return s.store.SetPostMeta(ctx, postID, models.PostMetadata{
		Date:      date,
		Subreddit: subreddit,
		CreatedAt: s.now(),
	})
}

// explicitQuiz serves one (subreddit, date) with no rotation fallback
// and no skip-list writes: fetch failures surface to the caller typed.
func (s *Service) explicitQuiz(ctx context.Context, subreddit, date string) (*models.Quiz, error) {
	if cached := s.cachedQuiz(ctx, subreddit, date); cached != nil {
		return s.applyReplacements(ctx, cached), nil
	}

	quiz, err := s.generate(ctx, subreddit, date)
	if err != nil {
		return nil, err
	}

	s.cacheQuiz(ctx, quiz)
	return s.applyReplacements(ctx, quiz), nil
}

// rotationQuiz walks today's rotation order, skipping known-bad
// subreddits, until one produces a full quiz. Unusable subreddits are
// added to the skip-list along the way; the user never sees their
// failures unless every candidate is exhausted.
func (s *Service) rotationQuiz(ctx context.Context, date string) (*models.Quiz, error) {
	skipped := s.skipSet(ctx)

	for _, subreddit := range rotation.Order(s.now(), s.subreddits) {
		if skipped[subreddit] {
			continue
		}

		if cached := s.cachedQuiz(ctx, subreddit, date); cached != nil {
			return s.applyReplacements(ctx, cached), nil
		}

		quiz, err := s.generate(ctx, subreddit, date)
		if err != nil {
			apiErr := api.AsError(err)
			s.log.WithFields(logrus.Fields{
				"subreddit": subreddit,
				"type":      apiErr.Type,
			}).WithError(err).Warn("Rotation candidate failed, trying next")

			// unusable or content-starved subreddits are excluded from
			// future rotations; transient failures are not
			if api.IsUnavailable(err) || apiErr.Type == api.ErrInsufficientData {
				if skipErr := s.store.AddSkippedSubreddit(ctx, subreddit); skipErr != nil {
					s.log.WithError(skipErr).WithField("subreddit", subreddit).Warn("Failed to update skip-list")
				}
			}
			continue
		}

		s.cacheQuiz(ctx, quiz)
		return s.applyReplacements(ctx, quiz), nil
	}

	err := api.NewError(api.ErrUnknown, "no subreddit in rotation could produce a quiz", nil)
	err.Retryable = true
	return nil, err
}

// generate fetches hot posts and their comments, then filters them
// into a full quiz. Fewer than five qualifying questions is an
// INSUFFICIENT_DATA error; the caller decides whether that is fatal.
func (s *Service) generate(ctx context.Context, subreddit, date string) (*models.Quiz, error) {
	posts, err := s.source.HotPosts(ctx, subreddit, s.postLimit)
	if err != nil {
		return nil, err
	}

	candidates := eligiblePosts(posts)
	commentsByPost := s.fetchComments(ctx, subreddit, candidates)

	questions := filter.SelectQuestions(candidates, commentsByPost)
	if len(questions) < filter.MaxQuestions {
		return nil, api.NewError(api.ErrInsufficientData,
			fmt.Sprintf("only %d qualifying posts found in r/%s", len(questions), subreddit), nil)
	}

	s.log.WithFields(logrus.Fields{
		"subreddit": subreddit,
		"date":      date,
	}).Info("Generated quiz")

	return &models.Quiz{
		Subreddit: subreddit,
		Date:      date,
		Questions: questions,
	}, nil
}

// fetchComments fans out comment fetches for the candidate posts and
// collects the results. A failed fetch degrades that post to "no
// comments" instead of failing the whole quiz.
func (s *Service) fetchComments(ctx context.Context, subreddit string, posts []models.Post) map[string][]models.Comment {
	commentsByPost := make(map[string][]models.Comment, len(posts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(commentFetchWorkers)

	for _, post := range posts {
		post := post
		g.Go(func() error {
			comments, err := s.source.Comments(gctx, subreddit, post.ID)
			if err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"subreddit": subreddit,
					"post_id":   post.ID,
				}).Debug("Comment fetch failed, post will not qualify")
				return nil
			}
			mu.Lock()
			commentsByPost[post.ID] = comments
			mu.Unlock()
			return nil
		})
	}

	// workers never return errors, Wait only synchronizes
	_ = g.Wait()
	return commentsByPost
}

// applyReplacements swaps out questions whose posts were pulled by the
// moderation tracker. A question that cannot be replaced stays in
// place rather than failing the response.
func (s *Service) applyReplacements(ctx context.Context, quiz *models.Quiz) *models.Quiz {
	replaced, err := s.tracker.ReplacedPosts(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Replaced-list lookup failed, serving quiz unmodified")
		return quiz
	}
	if len(replaced) == 0 {
		return quiz
	}

	flagged := make([]int, 0, len(quiz.Questions))
	exclude := make(map[string]bool, len(quiz.Questions)+len(replaced))
	for id := range replaced {
		exclude[id] = true
	}
	for i, q := range quiz.Questions {
		exclude[q.PostID] = true
		if replaced[q.PostID] {
			flagged = append(flagged, i)
		}
	}
	if len(flagged) == 0 {
		return quiz
	}

	posts, err := s.source.HotPosts(ctx, quiz.Subreddit, s.postLimit)
	if err != nil {
		s.log.WithError(err).WithField("subreddit", quiz.Subreddit).Warn("Replacement fetch failed, serving flagged questions as-is")
		return quiz
	}

	substituted := 0
	for _, i := range flagged {
		question, ok := s.buildReplacement(ctx, quiz.Subreddit, posts, exclude)
		if !ok {
			s.log.WithField("post_id", quiz.Questions[i].PostID).Warn("No replacement found for flagged question")
			continue
		}
		quiz.Questions[i] = question
		exclude[question.PostID] = true
		substituted++
	}

	if substituted > 0 {
		s.log.WithFields(logrus.Fields{
			"subreddit":   quiz.Subreddit,
			"date":        quiz.Date,
			"substituted": substituted,
		}).Info("Substituted reported questions")
		s.cacheQuiz(ctx, quiz)
	}

	return quiz
}

// buildReplacement finds one fresh qualifying question among posts,
// skipping everything in exclude.
func (s *Service) buildReplacement(ctx context.Context, subreddit string, posts []models.Post, exclude map[string]bool) (models.QuizQuestion, bool) {
	for _, post := range posts {
		if exclude[post.ID] || !filter.PostEligible(post) || post.NumComments < filter.TopComments {
			continue
		}

		comments, err := s.source.Comments(ctx, subreddit, post.ID)
		if err != nil {
			continue
		}

		if question, ok := filter.BuildQuestion(post, comments); ok {
			return question, true
		}
	}
	return models.QuizQuestion{}, false
}

// cachedQuiz reads the cache, treating any store failure as a miss.
func (s *Service) cachedQuiz(ctx context.Context, subreddit, date string) *models.Quiz {
	quiz, ok, err := s.store.GetQuiz(ctx, subreddit, date)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"subreddit": subreddit,
			"date":      date,
		}).Warn("Quiz cache read failed, regenerating")
		return nil
	}
	if !ok {
		return nil
	}
	return quiz
}

// cacheQuiz writes best-effort: caching is an optimization, never a
// reason to fail a request.
func (s *Service) cacheQuiz(ctx context.Context, quiz *models.Quiz) {
	if err := s.store.SetQuiz(ctx, quiz); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"subreddit": quiz.Subreddit,
			"date":      quiz.Date,
		}).Warn("Quiz cache write failed")
	}
}

// skipSet loads the skip-list as a lookup map, empty on store failure.
func (s *Service) skipSet(ctx context.Context) map[string]bool {
	skipped, err := s.store.SkippedSubreddits(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Skip-list read failed, treating as empty")
		return map[string]bool{}
	}
	set := make(map[string]bool, len(skipped))
	for _, sub := range skipped {
		set[sub] = true
	}
	return set
}

// eligiblePosts prunes posts that can never qualify before the comment
// fan-out, so disqualified posts cost no extra API calls.
func eligiblePosts(posts []models.Post) []models.Post {
	eligible := make([]models.Post, 0, len(posts))
	for _, post := range posts {
		if filter.PostEligible(post) && post.NumComments >= filter.TopComments {
			eligible = append(eligible, post)
		}
	}
	return eligible
}
