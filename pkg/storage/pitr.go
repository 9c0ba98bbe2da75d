package storage

import (
	"context"
	"strings"
	"time"
)

// ReadAsOf reconstructs a branched table's rows as of a historical
// timestamp. The data model is append-mostly: rows never change in
// place except through timestamped lifecycle columns, so the state at
// any instant is derivable from created_at / superseded_at /
// invalidated_at / valid_to cutoffs.
func (s *Store) ReadAsOf(ctx context.Context, logical, branch string, asOf time.Time) ([]map[string]any, error) {
	cutoff := FormatTime(asOf)

	rows, err := s.ReadRows(ctx, logical, branch, "created_at <= ?", cutoff)
	if err != nil {
		return nil, err
	}

	switch logical {
	case "facts":
		for _, row := range rows {
			rewindFact(row, cutoff)
		}
	case "relations":
		for _, row := range rows {
			if after(row["valid_to"], cutoff) {
				row["valid_to"] = nil
			}
		}
	case "conversations":
		if err := s.rewindConversations(ctx, branch, rows, cutoff); err != nil {
			return nil, err
		}
	}
	// observations and messages are immutable once written

	return rows, nil
}

// rewindFact undoes lifecycle transitions that happened after the cutoff.
func rewindFact(row map[string]any, cutoff string) {
	supersededLater := after(row["superseded_at"], cutoff)
	invalidatedLater := after(row["invalidated_at"], cutoff)
	if supersededLater {
		row["superseded_at"] = nil
	}
	if invalidatedLater {
		row["invalidated_at"] = nil
	}
	if supersededLater || invalidatedLater {
		switch {
		case row["invalidated_at"] != nil:
			row["status"] = "invalidated"
		case row["superseded_at"] != nil:
			row["status"] = "superseded"
		default:
			row["status"] = "active"
		}
	}
}

// rewindConversations recomputes the denormalized message counters
// from the messages that existed at the cutoff.
func (s *Store) rewindConversations(ctx context.Context, branch string, rows []map[string]any, cutoff string) error {
	msgPhys, err := ResolveTable("messages", branch)
	if err != nil {
		return err
	}
	for _, row := range rows {
		id, _ := row["id"].(string)
		var count, tokens int64
		err := s.QueryRow(ctx,
			"SELECT COUNT(*), COALESCE(SUM(token_count), 0) FROM "+msgPhys+
				" WHERE conversation_id = ? AND created_at <= ?",
			id, cutoff).Scan(&count, &tokens)
		if err != nil {
			return wrapSQL("storage.read_as_of", err)
		}
		row["message_count"] = count
		row["total_tokens"] = tokens
		if after(row["updated_at"], cutoff) {
			row["updated_at"] = cutoff
		}
	}
	return nil
}

// after reports whether a nullable timestamp column value is set and
// strictly later than the cutoff. Column values compare lexically.
func after(v any, cutoff string) bool {
	str, ok := v.(string)
	if !ok || str == "" || strings.HasPrefix(str, blobPrefix) {
		return false
	}
	return str > cutoff
}
