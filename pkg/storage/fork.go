package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/branchbase/branchbase/pkg/errs"
)

// blobPrefix marks base64-encoded BLOB values inside generic row maps,
// so serialized payloads survive a JSON round trip.
const blobPrefix = "b64:"

// ForkTables creates child's table set and copies every row from
// parent. Subsequent writes to either branch are isolated.
func (s *Store) ForkTables(ctx context.Context, parent, child string) error {
	const op = "storage.fork_tables"

	if err := s.createBranchTables(ctx, child); err != nil {
		return err
	}

	for _, logical := range BranchedTables {
		srcPhys, err := ResolveTable(logical, parent)
		if err != nil {
			return err
		}
		dstPhys, err := ResolveTable(logical, child)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", dstPhys, srcPhys)); err != nil {
			return errs.Wrap(errs.Unavailable, op, err)
		}
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET branch_name = ?", dstPhys), child); err != nil {
			return errs.Wrap(errs.Unavailable, op, err)
		}
	}
	return nil
}

// ForkTablesAsOf creates child's table set populated with parent's
// state as of the given timestamp.
func (s *Store) ForkTablesAsOf(ctx context.Context, parent, child string, asOf time.Time) error {
	if err := s.createBranchTables(ctx, child); err != nil {
		return err
	}

	for _, logical := range BranchedTables {
		rows, err := s.ReadAsOf(ctx, logical, parent, asOf)
		if err != nil {
			return err
		}
		for _, row := range rows {
			row["branch_name"] = child
		}
		if err := s.InsertRows(ctx, logical, child, rows); err != nil {
			return err
		}
	}
	return nil
}

// DropBranchTables removes child's table set. Used to roll back a
// partially created branch; never called for main.
func (s *Store) DropBranchTables(ctx context.Context, branch string) error {
	const op = "storage.drop_branch_tables"

	if branch == MainBranch {
		return errs.E(errs.PreconditionFailed, op, "refusing to drop main tables")
	}

	for _, logical := range BranchedTables {
		physical, err := ResolveTable(logical, branch)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+physical+"_fts"); err != nil {
			return errs.Wrap(errs.Unavailable, op, err)
		}
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+physical); err != nil {
			return errs.Wrap(errs.Unavailable, op, err)
		}
	}
	return nil
}

// ReadRows reads whole rows as generic maps. BLOB columns are encoded
// with a base64 marker so the maps serialize cleanly.
func (s *Store) ReadRows(ctx context.Context, logical, branch, where string, args ...any) ([]map[string]any, error) {
	physical, err := ResolveTable(logical, branch)
	if err != nil {
		return nil, err
	}

	q := "SELECT * FROM " + physical
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY created_at, id"

	rows, err := s.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return rowsToMaps(rows)
}

// rowsToMaps scans all remaining rows into generic maps.
func rowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "storage.rows_to_maps", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errs.Wrap(errs.Internal, "storage.rows_to_maps", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			switch v := vals[i].(type) {
			case []byte:
				row[c] = blobPrefix + base64.StdEncoding.EncodeToString(v)
			default:
				row[c] = v
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "storage.rows_to_maps", err)
	}
	return out, nil
}

// InsertRows inserts generic row maps into a branched table, decoding
// base64-marked BLOB values back to bytes.
func (s *Store) InsertRows(ctx context.Context, logical, branch string, rows []map[string]any) error {
	const op = "storage.insert_rows"

	if len(rows) == 0 {
		return nil
	}

	physical, err := ResolveTable(logical, branch)
	if err != nil {
		return err
	}

	return s.Tx(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			cols := make([]string, 0, len(row))
			for c := range row {
				cols = append(cols, c)
			}
			sort.Strings(cols)

			args := make([]any, 0, len(cols))
			marks := make([]string, 0, len(cols))
			for _, c := range cols {
				v := row[c]
				if str, ok := v.(string); ok && strings.HasPrefix(str, blobPrefix) {
					raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(str, blobPrefix))
					if err != nil {
						return errs.Wrap(errs.InvalidArgument, op, err)
					}
					v = raw
				}
				args = append(args, v)
				marks = append(marks, "?")
			}

			q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
				physical, strings.Join(cols, ", "), strings.Join(marks, ", "))
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return wrapSQL(op, err)
			}
		}
		return nil
	})
}
