package store

import "time"

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	AvatarURL    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Post struct {
	ID        string
	Title     string
	AuthorID  string
	CreatedAt time.Time
}

type Comment struct {
	ID           string
	PostID       string
	AuthorID     string
	ParentID     *string
	Content      string
	LikeCount    int
	RepliesCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Like struct {
	ID        string
	CommentID string
	UserID    string
	CreatedAt time.Time
}

// CounterSnapshot pairs a comment's stored counters with the ground-truth
// counts computed from the likes and replies relations.
type CounterSnapshot struct {
	CommentID     string
	PostID        string
	StoredLikes   int
	StoredReplies int
	ActualLikes   int
	ActualReplies int
}

func (s CounterSnapshot) LikesDrifted() bool   { return s.StoredLikes != s.ActualLikes }
func (s CounterSnapshot) RepliesDrifted() bool { return s.StoredReplies != s.ActualReplies }
