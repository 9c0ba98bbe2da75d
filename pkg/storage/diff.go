package storage

import (
	"context"
	"fmt"
	"sort"
)

// ConflictPolicy selects row-level merge behavior when both sides hold
// the same primary key with different content.
type ConflictPolicy string

const (
	// ConflictSkip keeps the target row.
	ConflictSkip ConflictPolicy = "skip"
	// ConflictAccept overwrites the target row with the source row.
	ConflictAccept ConflictPolicy = "accept"
)

// TableDiff is a row-level diff by primary key.
type TableDiff struct {
	New      []string // ids present in src only
	Modified []string // ids present in both with differing content
}

// MergeResult reports a row-level merge.
type MergeResult struct {
	Copied      []string
	Overwritten []string
	Skipped     []string
}

// DiffTables compares the same logical table across two branches by
// primary key.
func (s *Store) DiffTables(ctx context.Context, logical, srcBranch, dstBranch string) (*TableDiff, error) {
	srcRows, err := s.ReadRows(ctx, logical, srcBranch, "")
	if err != nil {
		return nil, err
	}
	dstRows, err := s.ReadRows(ctx, logical, dstBranch, "")
	if err != nil {
		return nil, err
	}

	dstByID := make(map[string]map[string]any, len(dstRows))
	for _, row := range dstRows {
		if id, ok := row["id"].(string); ok {
			dstByID[id] = row
		}
	}

	diff := &TableDiff{}
	for _, row := range srcRows {
		id, _ := row["id"].(string)
		dst, ok := dstByID[id]
		if !ok {
			diff.New = append(diff.New, id)
			continue
		}
		if !rowsEqual(row, dst) {
			diff.Modified = append(diff.Modified, id)
		}
	}
	sort.Strings(diff.New)
	sort.Strings(diff.Modified)
	return diff, nil
}

// rowsEqual compares rows ignoring branch_name, which differs by
// construction across branches.
func rowsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		if k == "branch_name" {
			continue
		}
		if fmt.Sprint(av) != fmt.Sprint(b[k]) {
			return false
		}
	}
	return true
}

// MergeTables copies src rows into dst. New rows are always copied;
// rows present on both sides follow the conflict policy.
func (s *Store) MergeTables(ctx context.Context, logical, srcBranch, dstBranch string, policy ConflictPolicy) (*MergeResult, error) {
	srcRows, err := s.ReadRows(ctx, logical, srcBranch, "")
	if err != nil {
		return nil, err
	}
	dstRows, err := s.ReadRows(ctx, logical, dstBranch, "")
	if err != nil {
		return nil, err
	}

	dstByID := make(map[string]map[string]any, len(dstRows))
	for _, row := range dstRows {
		if id, ok := row["id"].(string); ok {
			dstByID[id] = row
		}
	}

	dstPhys, err := ResolveTable(logical, dstBranch)
	if err != nil {
		return nil, err
	}

	res := &MergeResult{}
	var toInsert []map[string]any
	for _, row := range srcRows {
		id, _ := row["id"].(string)
		existing, ok := dstByID[id]
		if !ok {
			row["branch_name"] = dstBranch
			toInsert = append(toInsert, row)
			res.Copied = append(res.Copied, id)
			continue
		}
		if rowsEqual(row, existing) {
			continue
		}
		if policy == ConflictAccept {
			if _, err := s.Exec(ctx, "DELETE FROM "+dstPhys+" WHERE id = ?", id); err != nil {
				return nil, err
			}
			row["branch_name"] = dstBranch
			toInsert = append(toInsert, row)
			res.Overwritten = append(res.Overwritten, id)
		} else {
			res.Skipped = append(res.Skipped, id)
		}
	}

	if err := s.InsertRows(ctx, logical, dstBranch, toInsert); err != nil {
		return nil, err
	}
	sort.Strings(res.Copied)
	sort.Strings(res.Overwritten)
	sort.Strings(res.Skipped)
	return res, nil
}
