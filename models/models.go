package models

import (
	"time"
)

// Post represents a Reddit post as returned by the content API.
// Flag fields decide whether a post may be used as a quiz prompt.
type Post struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Author           string   `json:"author"`
	Subreddit        string   `json:"subreddit"`
	URL              string   `json:"url"`
	SelfText         string   `json:"selftext"`
	Permalink        string   `json:"permalink"`
	Score            int      `json:"score"`
	Ups              int      `json:"ups"`
	NumComments      int      `json:"num_comments"`
	CreatedUTC       float64  `json:"created_utc"`
	Over18           bool     `json:"over_18"`
	Stickied         bool     `json:"stickied"`
	Distinguished    string   `json:"distinguished"` // "moderator", "admin" or ""
	Locked           bool     `json:"locked"`
	IsCrosspost      bool     `json:"is_crosspost"`
	IsVideo          bool     `json:"is_video"`
	PostHint         string   `json:"post_hint"`
	PreviewImages    []string `json:"preview_images,omitempty"` // raw URLs, may contain HTML entities
	VideoFallbackURL string   `json:"video_fallback_url,omitempty"`
}

// Comment is a flattened Reddit comment. Author is empty when deleted.
type Comment struct {
	ID     string `json:"id"`
	Body   string `json:"body"`
	Ups    int    `json:"ups"`
	Author string `json:"author"`
}

// QuizQuestion is one question of a quiz: a post plus its top three
// comments by upvotes. Immutable once created.
type QuizQuestion struct {
	PostID    string    `json:"postId"`
	Title     string    `json:"title"`
	SelfText  string    `json:"selftext,omitempty"`
	URL       string    `json:"url,omitempty"`
	ImageURLs []string  `json:"imageUrls,omitempty"`
	VideoURL  string    `json:"videoUrl,omitempty"`
	EmbedURL  string    `json:"embedUrl,omitempty"`
	Author    string    `json:"author"`
	Permalink string    `json:"permalink"`
	Comments  []Comment `json:"comments"` // exactly 3, descending by upvotes
}

// Quiz is an ordered set of five questions for one subreddit on one date.
type Quiz struct {
	Subreddit string         `json:"subreddit"`
	Date      string         `json:"date"` // YYYY-MM-DD
	Questions []QuizQuestion `json:"questions"`
}

// PostMetadata maps a published post back to the (date, subreddit) its
// quiz was generated for, so old posts keep showing their original quiz.
type PostMetadata struct {
	Date      string    `json:"date"`
	Subreddit string    `json:"subreddit"`
	CreatedAt time.Time `json:"created_at"`
}
