// Package filter turns raw posts and comments into quiz questions: it
// rejects unusable posts, requires an unambiguous top comment, ranks
// qualifying posts by content length and extracts playable media.
package filter

import (
	"html"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/brettboylen/upvote-quiz/models"
)

const (
	// MaxQuestions is the number of questions in a full quiz
	MaxQuestions = 5

	// TopComments is how many answer candidates each question carries
	TopComments = 3
)

var (
	youtubeWatchPattern  = regexp.MustCompile(`(?:youtube\.com/watch\?(?:.*&)?v=|youtube\.com/shorts/|youtu\.be/)([\w-]{11})`)
	imageExtensionReg    = regexp.MustCompile(`(?i)\.(jpe?g|png|gif|webp)$`)
	redditVideoIDPattern = regexp.MustCompile(`v\.redd\.it/(\w+)`)
)

// SelectQuestions filters and ranks candidate posts and returns up to
// five quiz questions, shortest content first. Fewer than five is not
// an error here; the orchestrator decides what to do about it.
func SelectQuestions(posts []models.Post, commentsByPost map[string][]models.Comment) []models.QuizQuestion {
	type candidate struct {
		question models.QuizQuestion
		length   int
	}

	candidates := make([]candidate, 0, len(posts))
	for _, post := range posts {
		question, ok := BuildQuestion(post, commentsByPost[post.ID])
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{
			question: question,
			length:   contentLength(question),
		})
	}

	// shorter posts make for a quicker game, so rank ascending by length
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].length < candidates[j].length
	})

	n := len(candidates)
	if n > MaxQuestions {
		n = MaxQuestions
	}

	questions := make([]models.QuizQuestion, 0, n)
	for _, c := range candidates[:n] {
		questions = append(questions, c.question)
	}
	return questions
}

// BuildQuestion qualifies a single post and, if it passes, assembles
// the quiz question for it. Returns false when the post or its
// comments disqualify it.
func BuildQuestion(post models.Post, comments []models.Comment) (models.QuizQuestion, bool) {
	if !PostEligible(post) {
		return models.QuizQuestion{}, false
	}

	top, ok := topComments(comments)
	if !ok {
		return models.QuizQuestion{}, false
	}

	question := models.QuizQuestion{
		PostID:    post.ID,
		Title:     post.Title,
		SelfText:  post.SelfText,
		Author:    post.Author,
		Permalink: absolutePermalink(post.Permalink),
		Comments:  top,
		ImageURLs: imageURLs(post),
		VideoURL:  videoURL(post),
		EmbedURL:  embedURL(post),
	}

	// keep the source link only when it points somewhere other than the
	// post itself
	if post.URL != "" && !strings.HasSuffix(post.URL, post.Permalink) {
		question.URL = post.URL
	}

	return question, true
}

// PostEligible applies the post-level disqualification rules. It does
// not look at comments, so the orchestrator can use it to prune the
// comment fan-out.
func PostEligible(post models.Post) bool {
	title := strings.TrimSpace(post.Title)
	switch {
	case title == "" || title == "[deleted]" || title == "[removed]":
		return false
	case post.Over18:
		return false
	case post.Stickied:
		return false
	case post.Distinguished != "":
		return false
	case post.Locked:
		return false
	case post.IsCrosspost:
		return false
	}
	return true
}

// topComments drops deleted and empty comments, sorts the survivors by
// upvotes and keeps the top three. The top comment must strictly beat
// the runner-up: a tie would make the quiz answer ambiguous.
func topComments(comments []models.Comment) ([]models.Comment, bool) {
	surviving := make([]models.Comment, 0, len(comments))
	for _, c := range comments {
		body := strings.TrimSpace(c.Body)
		if body == "" || body == "[deleted]" || body == "[removed]" {
			continue
		}
		surviving = append(surviving, c)
	}

	if len(surviving) < TopComments {
		return nil, false
	}

	sort.SliceStable(surviving, func(i, j int) bool {
		return surviving[i].Ups > surviving[j].Ups
	})

	top := surviving[:TopComments]
	if top[0].Ups <= top[1].Ups {
		return nil, false
	}

	return top, true
}

// contentLength scores a question by how much text a player has to
// read: title plus self-text plus the three answer bodies.
func contentLength(q models.QuizQuestion) int {
	length := len(q.Title) + len(q.SelfText)
	for _, c := range q.Comments {
		length += len(c.Body)
	}
	return length
}

// imageURLs returns displayable image URLs for a post: decoded preview
// sources first, falling back to a direct image link.
func imageURLs(post models.Post) []string {
	if len(post.PreviewImages) > 0 {
		urls := make([]string, 0, len(post.PreviewImages))
		for _, raw := range post.PreviewImages {
			// preview URLs come back with &amp; escaping
			urls = append(urls, html.UnescapeString(raw))
		}
		return urls
	}

	if u, err := url.Parse(post.URL); err == nil && imageExtensionReg.MatchString(u.Path) {
		return []string{post.URL}
	}

	return nil
}

// videoURL returns a direct-playable URL for reddit-hosted video. When
// the media metadata is incomplete the v.redd.it DASH URL is
// constructible from the post link.
func videoURL(post models.Post) string {
	if !post.IsVideo {
		return ""
	}
	if post.VideoFallbackURL != "" {
		return post.VideoFallbackURL
	}
	if m := redditVideoIDPattern.FindStringSubmatch(post.URL); m != nil {
		return "https://v.redd.it/" + m[1] + "/DASH_720.mp4"
	}
	return ""
}

// embedURL builds an iframe-embeddable URL for third-party video links
// (YouTube watch, shorts and short-link forms).
func embedURL(post models.Post) string {
	if m := youtubeWatchPattern.FindStringSubmatch(post.URL); m != nil {
		return "https://www.youtube.com/embed/" + m[1]
	}
	return ""
}

func absolutePermalink(permalink string) string {
	if strings.HasPrefix(permalink, "http") {
		return permalink
	}
	return "https://www.reddit.com" + permalink
}
