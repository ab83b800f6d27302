package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveScore appends a consensus evaluation for a task attempt.
func (s *SQLiteStore) SaveScore(ctx context.Context, score Score) error {
	if score.CreatedAt.IsZero() {
		score.CreatedAt = time.Now()
	}
	rejected, err := encodeList(score.Rejected)
	if err != nil {
		return err
	}
	unavailable, err := encodeList(score.Unavailable)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consensus_scores (run_id, task_id, attempt, score, tier, mean_relevance, max_relevance,
			k_max, mpr, findings, rejected, unavailable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, score.RunID, score.TaskID, score.Attempt, score.Score, score.Tier, score.Mean, score.Max,
		score.KMax, score.MPR, score.Findings, rejected, unavailable, timestamp(score.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save score for task %s: %w", score.TaskID, err)
	}
	return nil
}

// ListScores returns a run's scores in the order they were saved.
func (s *SQLiteStore) ListScores(ctx context.Context, runID string) ([]Score, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, attempt, score, tier, mean_relevance, max_relevance,
			k_max, mpr, findings, rejected, unavailable, created_at
		FROM consensus_scores WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scores: %w", err)
	}
	defer rows.Close()

	var scores []Score
	for rows.Next() {
		var (
			score                 Score
			rejected, unavailable sql.NullString
			createdAt             string
		)
		err := rows.Scan(&score.RunID, &score.TaskID, &score.Attempt, &score.Score, &score.Tier,
			&score.Mean, &score.Max, &score.KMax, &score.MPR, &score.Findings,
			&rejected, &unavailable, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		if score.Rejected, err = decodeList(rejected); err != nil {
			return nil, err
		}
		if score.Unavailable, err = decodeList(unavailable); err != nil {
			return nil, err
		}
		score.CreatedAt = parseTimestamp(createdAt)
		scores = append(scores, score)
	}
	return scores, rows.Err()
}

func encodeList(list []string) (string, error) {
	if len(list) == 0 {
		return "", nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(b), nil
}

func decodeList(s sql.NullString) ([]string, error) {
	if s.String == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s.String), &list); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}
	return list, nil
}
