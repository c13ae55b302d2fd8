package postgres

import (
	"context"
	"fmt"

	"example.com/moderationbridge/internal/domain"
)

// StatusCounts groups content records by type and status.
func (s *ContentStore) StatusCounts(ctx context.Context) ([]domain.StatusCount, error) {
	rows, err := s.db.Pool.Query(ctx, `
SELECT content_type, status, COUNT(*)::bigint
FROM moderated_content
GROUP BY 1, 2
ORDER BY 1, 2`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StatusCount
	for rows.Next() {
		var ct, status string
		var n int64
		if err := rows.Scan(&ct, &status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out = append(out, domain.StatusCount{ContentType: domain.ContentType(ct), Status: domain.Status(status), Count: n})
	}
	return out, rows.Err()
}
