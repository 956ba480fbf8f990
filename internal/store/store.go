package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"hotrank/internal/model"
)

// ErrNotFound is returned when a post id does not exist.
var ErrNotFound = errors.New("post not found")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB { return s.db }

// Filter narrows FindMany/Count. Zero values mean "no constraint".
type Filter struct {
	MaxAgeHours    float64
	MinAgeHours    float64
	MinScore       *float64
	MaxScore       *float64
	IncludeDeleted bool
}

type Order string

const (
	OrderScoreAsc    Order = "score ASC, id ASC"
	OrderScoreDesc   Order = "score DESC, id ASC"
	OrderCreatedDesc Order = "created_at DESC, id DESC"
)

// Statistics aggregates the score distribution for monitoring; read-only.
type Statistics struct {
	TotalPosts    int64   `json:"total_posts"`
	WithinHorizon int64   `json:"within_horizon"`
	BeyondHorizon int64   `json:"beyond_horizon"`
	AverageScore  float64 `json:"average_score"`
	MaxScore      float64 `json:"max_score"`
}

const postColumns = `id, title, created_at, likes, comments, views, score, deleted, updated_at`

func (s *Store) CreatePost(ctx context.Context, title string, createdAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO posts(title, created_at, updated_at)
		VALUES(?,?,CURRENT_TIMESTAMP)
	`, title, createdAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) FindByID(ctx context.Context, id int64) (*model.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id=?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) FindMany(ctx context.Context, f Filter, order Order, limit int) ([]model.Post, error) {
	q := sq.Select(postColumns).From("posts")
	q = applyFilter(q, f, time.Now())
	if order != "" {
		q = q.OrderBy(string(order))
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	q := sq.Select("COUNT(*)").From("posts")
	q = applyFilter(q, f, time.Now())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) WriteScore(ctx context.Context, id int64, score float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET score=?, updated_at=CURRENT_TIMESTAMP WHERE id=?
	`, score, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementCounter atomically bumps the engagement counter matching kind.
func (s *Store) IncrementCounter(ctx context.Context, id int64, kind model.TriggerKind) error {
	var column string
	switch kind {
	case model.TriggerLike:
		column = "likes"
	case model.TriggerComment:
		column = "comments"
	case model.TriggerView:
		column = "views"
	default:
		return fmt.Errorf("unknown trigger kind %q", kind)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET `+column+` = `+column+` + 1, updated_at=CURRENT_TIMESTAMP WHERE id=?
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE posts SET deleted=1, updated_at=CURRENT_TIMESTAMP WHERE id=?
	`, id)
	return err
}

// ResetExpiredScores zeroes the score of non-deleted posts older than the
// horizon so aged-out posts stop appearing in hot listings. Returns the
// number of posts touched.
func (s *Store) ResetExpiredScores(ctx context.Context, maxAgeHours float64) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(maxAgeHours * float64(time.Hour))).UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts
		SET score=0, updated_at=CURRENT_TIMESTAMP
		WHERE deleted=0 AND score > 0 AND created_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Statistics(ctx context.Context, maxAgeHours float64) (Statistics, error) {
	cutoff := time.Now().Add(-time.Duration(maxAgeHours * float64(time.Hour))).UTC()
	var st Statistics
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(score), 0),
		       COALESCE(MAX(score), 0)
		FROM posts WHERE deleted=0
	`, cutoff).Scan(&st.TotalPosts, &st.WithinHorizon, &st.AverageScore, &st.MaxScore)
	if err != nil {
		return Statistics{}, err
	}
	st.BeyondHorizon = st.TotalPosts - st.WithinHorizon
	return st, nil
}

func applyFilter(q sq.SelectBuilder, f Filter, now time.Time) sq.SelectBuilder {
	if !f.IncludeDeleted {
		q = q.Where(sq.Eq{"deleted": 0})
	}
	if f.MaxAgeHours > 0 {
		cutoff := now.Add(-time.Duration(f.MaxAgeHours * float64(time.Hour))).UTC()
		q = q.Where(sq.GtOrEq{"created_at": cutoff})
	}
	if f.MinAgeHours > 0 {
		cutoff := now.Add(-time.Duration(f.MinAgeHours * float64(time.Hour))).UTC()
		q = q.Where(sq.Lt{"created_at": cutoff})
	}
	if f.MinScore != nil {
		q = q.Where(sq.GtOrEq{"score": *f.MinScore})
	}
	if f.MaxScore != nil {
		q = q.Where(sq.LtOrEq{"score": *f.MaxScore})
	}
	return q
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*model.Post, error) {
	var p model.Post
	var createdRaw, updatedRaw any
	var deleted int
	if err := row.Scan(&p.ID, &p.Title, &createdRaw, &p.Likes, &p.Comments, &p.Views,
		&p.Score, &deleted, &updatedRaw); err != nil {
		return nil, err
	}
	p.CreatedAt = parseDBTime(createdRaw)
	p.UpdatedAt = parseDBTime(updatedRaw)
	p.Deleted = deleted == 1
	return &p, nil
}

func parseDBTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		return parseDBTimeString(t)
	case []byte:
		return parseDBTimeString(string(t))
	default:
		return time.Time{}
	}
}

func parseDBTimeString(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
