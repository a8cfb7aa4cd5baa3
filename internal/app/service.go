package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"remark/api/internal/auth"
	"remark/api/internal/authpw"
	"remark/api/internal/config"
	"remark/api/internal/store"
	"remark/api/internal/util"
)

const (
	maxContentLength  = 500
	replyPreviewCount = 3
	defaultPageLimit  = 20
	maxPageLimit      = 100
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	JTI          string
	ExpiresAt    time.Time
}

var allowedSortOrders = map[string]struct{}{
	"latest":    {},
	"oldest":    {},
	"mostLiked": {},
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUsersByIDs(context.Context, []string) (map[string]store.User, error)
	UpdateUserAvatar(context.Context, string, string) error
	CreatePost(context.Context, store.Post) error
	GetPost(context.Context, string) (store.Post, error)
	ListPosts(context.Context) ([]store.Post, error)
	PostExists(context.Context, string) (bool, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string) (store.Comment, error)
	UpdateCommentContent(context.Context, string, string) (store.Comment, error)
	DeleteCommentCascade(context.Context, string) (int, error)
	ListComments(context.Context, string, *string, string, int, int) ([]store.Comment, error)
	CountComments(context.Context, string, *string) (int, error)
	CountAllComments(context.Context, string) (int, error)
	RecentReplies(context.Context, []string, int) (map[string][]store.Comment, error)
	ToggleLike(context.Context, string, string, string) (bool, int, error)
	LikedCommentIDs(context.Context, string, []string) (map[string]bool, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type avatarStore interface {
	Upload(ctx context.Context, userID, contentType string, body io.Reader, size int64) (string, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *authpw.Service
	tokens   *auth.Manager
	avatars  avatarStore
}

func New(cfg config.Config, dataStore *store.PostgresStore, accounts *authpw.Service) *Service {
	return NewWithSessionStore(cfg, dataStore, dataStore, accounts)
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, accounts *authpw.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		accounts: accounts,
		tokens:   auth.NewManager(cfg.JWTSecret, cfg.AccessTTL),
	}
}

// UseAvatarStore wires an avatar backend; without one, uploads answer 503.
func (s *Service) UseAvatarStore(avatars avatarStore) {
	s.avatars = avatars
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ── Identity and sessions ──

func (s *Service) SignUp(ctx context.Context, email, password, username string) (Session, error) {
	user, err := s.accounts.SignUp(ctx, authpw.SignUpRequest{
		Email:    email,
		Password: password,
		Username: username,
	})
	if err != nil {
		if err.Error() == "email already registered" {
			return Session{}, domainError(http.StatusConflict, "CONFLICT", err.Error(), nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// The session store may only carry the user id; load the full row.
	full, err := s.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, full)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	token, claims, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		return Session{}, err
	}

	refresh := auth.NewRefreshToken()
	refreshExpires := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		JTI:          claims.ID,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ── Posts ──

func (s *Service) CreatePost(ctx context.Context, session Session, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	post := store.Post{
		ID:       util.NewID("post"),
		Title:    title,
		AuthorID: session.UserID,
	}
	if err := s.store.CreatePost(ctx, post); err != nil {
		return nil, err
	}
	return map[string]any{"id": post.ID, "title": post.Title, "authorId": post.AuthorID}, nil
}

func (s *Service) ListPosts(ctx context.Context) (map[string]any, error) {
	posts, err := s.store.ListPosts(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(posts))
	for _, post := range posts {
		items = append(items, map[string]any{
			"id":        post.ID,
			"title":     post.Title,
			"authorId":  post.AuthorID,
			"createdAt": post.CreatedAt,
		})
	}
	return map[string]any{"posts": items}, nil
}

// ── Comment mutations ──

func (s *Service) CreateComment(ctx context.Context, session Session, postID, content string, parentID *string) (map[string]any, error) {
	content, derr := validateContent(content)
	if derr != nil {
		return nil, derr
	}

	exists, err := s.store.PostExists(ctx, postID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Post not found", nil)
	}

	if parentID != nil {
		parent, err := s.store.GetComment(ctx, *parentID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Parent comment not found", nil)
		}
		if err != nil {
			return nil, err
		}
		if parent.PostID != postID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parent comment belongs to a different post", nil)
		}
		if parent.ParentID != nil {
			return nil, domainError(http.StatusConflict, "CONFLICT", "replies cannot be nested", nil)
		}
	}

	comment := store.Comment{
		ID:       util.NewID("cmt"),
		PostID:   postID,
		AuthorID: session.UserID,
		ParentID: parentID,
		Content:  content,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}

	created, err := s.store.GetComment(ctx, comment.ID)
	if err != nil {
		return nil, err
	}
	return s.commentView(ctx, session.UserID, created)
}

func (s *Service) UpdateComment(ctx context.Context, session Session, commentID, content string) (map[string]any, error) {
	content, derr := validateContent(content)
	if derr != nil {
		return nil, derr
	}

	existing, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if existing.AuthorID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can edit this comment", nil)
	}
	if existing.Content == content {
		return nil, domainError(http.StatusConflict, "CONFLICT", "content is unchanged", nil)
	}

	updated, err := s.store.UpdateCommentContent(ctx, commentID, content)
	if err != nil {
		return nil, err
	}
	return s.commentView(ctx, session.UserID, updated)
}

func (s *Service) DeleteComment(ctx context.Context, session Session, commentID string) (map[string]any, error) {
	existing, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if existing.AuthorID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can delete this comment", nil)
	}

	deleted, err := s.store.DeleteCommentCascade(ctx, commentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "deletedCount": deleted}, nil
}

func (s *Service) ToggleLike(ctx context.Context, session Session, commentID string) (map[string]any, error) {
	liked, likeCount, err := s.store.ToggleLike(ctx, util.NewID("like"), commentID, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"liked": liked, "likeCount": likeCount}, nil
}

// ── Comment queries ──

func (s *Service) ListComments(ctx context.Context, viewerID, postID string, parentID *string, sort string, page, limit int) (map[string]any, error) {
	if sort == "" {
		sort = "latest"
	}
	if _, ok := allowedSortOrders[sort]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sort must be latest, oldest, or mostLiked", nil)
	}
	page, limit = normalizePage(page, limit)

	exists, err := s.store.PostExists(ctx, postID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Post not found", nil)
	}

	if parentID != nil {
		parent, err := s.store.GetComment(ctx, *parentID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Parent comment not found", nil)
		}
		if err != nil {
			return nil, err
		}
		if parent.PostID != postID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parent comment belongs to a different post", nil)
		}
	}

	comments, err := s.store.ListComments(ctx, postID, parentID, sort, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountComments(ctx, postID, parentID)
	if err != nil {
		return nil, err
	}

	withPreviews := parentID == nil
	items, err := s.commentViews(ctx, viewerID, comments, withPreviews)
	if err != nil {
		return nil, err
	}

	return paginated(items, total, page, limit), nil
}

func (s *Service) GetReplies(ctx context.Context, viewerID, commentID string, page, limit int) (map[string]any, error) {
	page, limit = normalizePage(page, limit)

	parent, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}

	replies, err := s.store.ListComments(ctx, parent.PostID, &parent.ID, "oldest", limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountComments(ctx, parent.PostID, &parent.ID)
	if err != nil {
		return nil, err
	}

	items, err := s.commentViews(ctx, viewerID, replies, false)
	if err != nil {
		return nil, err
	}
	return paginated(items, total, page, limit), nil
}

func (s *Service) GetCommentByID(ctx context.Context, viewerID, commentID string) (map[string]any, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	return s.commentView(ctx, viewerID, comment)
}

func (s *Service) CommentCount(ctx context.Context, postID string) (map[string]any, error) {
	exists, err := s.store.PostExists(ctx, postID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Post not found", nil)
	}
	count, err := s.store.CountAllComments(ctx, postID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": count}, nil
}

// ── Avatars ──

func (s *Service) UploadAvatar(ctx context.Context, session Session, contentType string, body io.Reader, size int64) (map[string]any, error) {
	if s.avatars == nil {
		return nil, domainError(http.StatusServiceUnavailable, "AVATAR_UNAVAILABLE", "Avatar storage not configured", nil)
	}
	url, err := s.avatars.Upload(ctx, session.UserID, contentType, body, size)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if err := s.store.UpdateUserAvatar(ctx, session.UserID, url); err != nil {
		return nil, err
	}
	return map[string]any{"avatarUrl": url}, nil
}

// ── View assembly ──

func (s *Service) commentView(ctx context.Context, viewerID string, comment store.Comment) (map[string]any, error) {
	views, err := s.commentViews(ctx, viewerID, []store.Comment{comment}, false)
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

// commentViews joins author projections and the viewer's like marks onto a
// batch of comments. With previews, each top-level comment also carries its
// newest replies inline.
func (s *Service) commentViews(ctx context.Context, viewerID string, comments []store.Comment, withPreviews bool) ([]map[string]any, error) {
	previews := map[string][]store.Comment{}
	if withPreviews && len(comments) > 0 {
		parentIDs := make([]string, 0, len(comments))
		for _, comment := range comments {
			parentIDs = append(parentIDs, comment.ID)
		}
		loaded, err := s.store.RecentReplies(ctx, parentIDs, replyPreviewCount)
		if err != nil {
			return nil, err
		}
		previews = loaded
	}

	authorIDs := make([]string, 0, len(comments))
	commentIDs := make([]string, 0, len(comments))
	seen := map[string]struct{}{}
	collect := func(comment store.Comment) {
		commentIDs = append(commentIDs, comment.ID)
		if _, ok := seen[comment.AuthorID]; !ok {
			seen[comment.AuthorID] = struct{}{}
			authorIDs = append(authorIDs, comment.AuthorID)
		}
	}
	for _, comment := range comments {
		collect(comment)
		for _, reply := range previews[comment.ID] {
			collect(reply)
		}
	}

	authors, err := s.store.GetUsersByIDs(ctx, authorIDs)
	if err != nil {
		return nil, err
	}
	liked, err := s.store.LikedCommentIDs(ctx, viewerID, commentIDs)
	if err != nil {
		return nil, err
	}

	build := func(comment store.Comment) map[string]any {
		author := authors[comment.AuthorID]
		var parentID any
		if comment.ParentID != nil {
			parentID = *comment.ParentID
		}
		return map[string]any{
			"id":           comment.ID,
			"postId":       comment.PostID,
			"authorId":     comment.AuthorID,
			"parentId":     parentID,
			"content":      comment.Content,
			"likeCount":    comment.LikeCount,
			"repliesCount": comment.RepliesCount,
			"createdAt":    comment.CreatedAt,
			"updatedAt":    comment.UpdatedAt,
			"isLiked":      liked[comment.ID],
			"author": map[string]any{
				"id":        author.ID,
				"username":  author.Username,
				"avatarUrl": author.AvatarURL,
			},
		}
	}

	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		view := build(comment)
		if withPreviews {
			replies := make([]map[string]any, 0, len(previews[comment.ID]))
			for _, reply := range previews[comment.ID] {
				replies = append(replies, build(reply))
			}
			view["replies"] = replies
		}
		items = append(items, view)
	}
	return items, nil
}

func validateContent(content string) (string, *DomainError) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content must be at most 500 characters", nil)
	}
	return content, nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}

func paginated(items []map[string]any, total, page, limit int) map[string]any {
	totalPages := 0
	if total > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return map[string]any{
		"items":      items,
		"total":      total,
		"page":       page,
		"limit":      limit,
		"totalPages": totalPages,
		"hasNext":    page < totalPages,
		"hasPrev":    page > 1 && total > 0,
	}
}
