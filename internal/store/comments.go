package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// InsertComment writes a comment row and, for replies, bumps the parent's
// replies_count in the same transaction. Parent validation (existence, same
// post, top-level) happens in the service layer before this is called.
func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO comments (id, post_id, author_id, parent_id, content)
		VALUES ($1, $2, $3, $4, $5)
	`, comment.ID, comment.PostID, comment.AuthorID, comment.ParentID, comment.Content); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}

	if comment.ParentID != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE comments SET replies_count = replies_count + 1 WHERE id=$1
		`, *comment.ParentID); err != nil {
			return fmt.Errorf("increment replies count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, post_id, author_id, parent_id, content, like_count, replies_count, created_at, updated_at
		FROM comments
		WHERE id=$1
	`, commentID).Scan(&item.ID, &item.PostID, &item.AuthorID, &item.ParentID, &item.Content,
		&item.LikeCount, &item.RepliesCount, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdateCommentContent(ctx context.Context, commentID, content string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		UPDATE comments SET content=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING id, post_id, author_id, parent_id, content, like_count, replies_count, created_at, updated_at
	`, commentID, content).Scan(&item.ID, &item.PostID, &item.AuthorID, &item.ParentID, &item.Content,
		&item.LikeCount, &item.RepliesCount, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

// DeleteCommentCascade removes a comment, its direct replies, and every like
// on any of them, all in one transaction. When the comment itself is a reply
// the parent's replies_count is decremented. Returns the number of comment
// rows removed (replies plus the comment itself).
func (s *PostgresStore) DeleteCommentCascade(ctx context.Context, commentID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var parentID *string
	if err := tx.QueryRowContext(ctx, `
		SELECT parent_id FROM comments WHERE id=$1 FOR UPDATE
	`, commentID).Scan(&parentID); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM comment_likes
		WHERE comment_id IN (SELECT id FROM comments WHERE parent_id=$1)
	`, commentID); err != nil {
		return 0, fmt.Errorf("delete reply likes: %w", err)
	}

	replyResult, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE parent_id=$1`, commentID)
	if err != nil {
		return 0, fmt.Errorf("delete replies: %w", err)
	}
	repliesRemoved, err := replyResult.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete replies rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM comment_likes WHERE comment_id=$1`, commentID); err != nil {
		return 0, fmt.Errorf("delete comment likes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID); err != nil {
		return 0, fmt.Errorf("delete comment: %w", err)
	}

	if parentID != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE comments SET replies_count = GREATEST(replies_count - 1, 0) WHERE id=$1
		`, *parentID); err != nil {
			return 0, fmt.Errorf("decrement replies count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete comment: %w", err)
	}
	return int(repliesRemoved) + 1, nil
}

func commentOrderClause(sort string) string {
	switch sort {
	case "oldest":
		return "created_at ASC, id ASC"
	case "mostLiked":
		return "like_count DESC, created_at DESC, id DESC"
	default: // latest
		return "created_at DESC, id DESC"
	}
}

// ListComments returns one page of comments at a single nesting level:
// top-level comments of a post when parentID is nil, otherwise the replies
// of parentID.
func (s *PostgresStore) ListComments(ctx context.Context, postID string, parentID *string, sort string, limit, offset int) ([]Comment, error) {
	query := fmt.Sprintf(`
		SELECT id, post_id, author_id, parent_id, content, like_count, replies_count, created_at, updated_at
		FROM comments
		WHERE post_id=$1 AND ($2::text IS NULL AND parent_id IS NULL OR parent_id=$2)
		ORDER BY %s
		LIMIT $3 OFFSET $4
	`, commentOrderClause(sort))
	rows, err := s.db.QueryContext(ctx, query, postID, parentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.PostID, &item.AuthorID, &item.ParentID, &item.Content,
			&item.LikeCount, &item.RepliesCount, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountComments(ctx context.Context, postID string, parentID *string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM comments
		WHERE post_id=$1 AND ($2::text IS NULL AND parent_id IS NULL OR parent_id=$2)
	`, postID, parentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count comments: %w", err)
	}
	return count, nil
}

// CountAllComments counts every comment of a post across both nesting levels.
func (s *PostgresStore) CountAllComments(ctx context.Context, postID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE post_id=$1`, postID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count post comments: %w", err)
	}
	return count, nil
}

// RecentReplies loads up to perParent of the newest replies for each given
// top-level comment, for the inline preview on list pages.
func (s *PostgresStore) RecentReplies(ctx context.Context, parentIDs []string, perParent int) (map[string][]Comment, error) {
	previews := make(map[string][]Comment, len(parentIDs))
	if len(parentIDs) == 0 {
		return previews, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, author_id, parent_id, content, like_count, replies_count, created_at, updated_at
		FROM (
			SELECT c.*, ROW_NUMBER() OVER (PARTITION BY c.parent_id ORDER BY c.created_at DESC, c.id DESC) AS rn
			FROM comments c
			WHERE c.parent_id = ANY($1)
		) ranked
		WHERE rn <= $2
		ORDER BY parent_id, created_at DESC, id DESC
	`, parentIDs, perParent)
	if err != nil {
		return nil, fmt.Errorf("list reply previews: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.PostID, &item.AuthorID, &item.ParentID, &item.Content,
			&item.LikeCount, &item.RepliesCount, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reply preview: %w", err)
		}
		if item.ParentID != nil {
			previews[*item.ParentID] = append(previews[*item.ParentID], item)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reply previews: %w", err)
	}
	return previews, nil
}

// ToggleLike flips the like state of (commentID, userID) and keeps the
// denormalized like_count in step, all inside one transaction. The comment
// row is re-checked (and locked) first so a toggle racing a delete reports
// sql.ErrNoRows instead of inserting an orphaned like. A concurrent
// duplicate insert loses to the unique constraint and is reported as
// "already liked" rather than an error.
func (s *PostgresStore) ToggleLike(ctx context.Context, likeID, commentID, userID string) (bool, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin toggle like: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var likeCount int
	if err := tx.QueryRowContext(ctx, `
		SELECT like_count FROM comments WHERE id=$1 FOR UPDATE
	`, commentID).Scan(&likeCount); err != nil {
		return false, 0, err
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM comment_likes WHERE comment_id=$1 AND user_id=$2
	`, commentID, userID)
	if err != nil {
		return false, 0, fmt.Errorf("delete like: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("delete like rows: %w", err)
	}

	liked := false
	if removed > 0 {
		if err := tx.QueryRowContext(ctx, `
			UPDATE comments SET like_count = GREATEST(like_count - 1, 0)
			WHERE id=$1
			RETURNING like_count
		`, commentID).Scan(&likeCount); err != nil {
			return false, 0, fmt.Errorf("decrement like count: %w", err)
		}
	} else {
		insertResult, err := tx.ExecContext(ctx, `
			INSERT INTO comment_likes (id, comment_id, user_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (comment_id, user_id) DO NOTHING
		`, likeID, commentID, userID)
		if err != nil {
			return false, 0, fmt.Errorf("insert like: %w", err)
		}
		inserted, err := insertResult.RowsAffected()
		if err != nil {
			return false, 0, fmt.Errorf("insert like rows: %w", err)
		}
		liked = true
		if inserted > 0 {
			if err := tx.QueryRowContext(ctx, `
				UPDATE comments SET like_count = like_count + 1
				WHERE id=$1
				RETURNING like_count
			`, commentID).Scan(&likeCount); err != nil {
				return false, 0, fmt.Errorf("increment like count: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit toggle like: %w", err)
	}
	return liked, likeCount, nil
}

// LikedCommentIDs reports which of the given comments the viewer has liked.
func (s *PostgresStore) LikedCommentIDs(ctx context.Context, userID string, commentIDs []string) (map[string]bool, error) {
	liked := make(map[string]bool, len(commentIDs))
	if userID == "" || len(commentIDs) == 0 {
		return liked, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT comment_id FROM comment_likes
		WHERE user_id=$1 AND comment_id = ANY($2)
	`, userID, commentIDs)
	if err != nil {
		return nil, fmt.Errorf("list liked comments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var commentID string
		if err := rows.Scan(&commentID); err != nil {
			return nil, fmt.Errorf("scan liked comment: %w", err)
		}
		liked[commentID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate liked comments: %w", err)
	}
	return liked, nil
}

// CounterSnapshots loads stored counters alongside the ground-truth counts
// computed from the relations, for the reconciliation pass. Scope narrows to
// one post or an explicit id set; both empty means every comment, paged by
// creation order so repeated calls walk the full table deterministically.
func (s *PostgresStore) CounterSnapshots(ctx context.Context, postID string, commentIDs []string, limit, offset int) ([]CounterSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.post_id, c.like_count, c.replies_count,
			(SELECT COUNT(*) FROM comment_likes l WHERE l.comment_id = c.id) AS actual_likes,
			(SELECT COUNT(*) FROM comments r WHERE r.parent_id = c.id) AS actual_replies
		FROM comments c
		WHERE ($1::text IS NULL OR c.post_id=$1)
			AND ($2::text[] IS NULL OR c.id = ANY($2))
		ORDER BY c.created_at ASC, c.id ASC
		LIMIT $3 OFFSET $4
	`, nullIfEmpty(postID), nullIfEmptySlice(commentIDs), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list counter snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]CounterSnapshot, 0)
	for rows.Next() {
		var item CounterSnapshot
		if err := rows.Scan(&item.CommentID, &item.PostID, &item.StoredLikes, &item.StoredReplies,
			&item.ActualLikes, &item.ActualReplies); err != nil {
			return nil, fmt.Errorf("scan counter snapshot: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counter snapshots: %w", err)
	}
	return items, nil
}

// PatchCounters updates only the counters that drifted, in its own short
// transaction so one bad row cannot poison a whole reconciliation batch.
func (s *PostgresStore) PatchCounters(ctx context.Context, commentID string, likeCount, repliesCount *int) error {
	if likeCount == nil && repliesCount == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET like_count = COALESCE($2, like_count),
			replies_count = COALESCE($3, replies_count)
		WHERE id=$1
	`, commentID, likeCount, repliesCount)
	if err != nil {
		return fmt.Errorf("patch counters for %s: %w", commentID, err)
	}
	return nil
}

// IsUniqueViolation reports whether err is the store's duplicate-key error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func nullIfEmptySlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return values
}
