package storage

import (
	"context"
	"fmt"

	"github.com/branchbase/branchbase/pkg/errs"
)

// branchedDDL renders the CREATE statements for one branched logical
// table under a physical name. Lifecycle timestamps are TEXT in
// TimeLayout so point-in-time predicates compare lexically.
func branchedDDL(logical, physical string) []string {
	switch logical {
	case "facts":
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				fact_text TEXT NOT NULL,
				embedding BLOB,
				category TEXT NOT NULL DEFAULT '',
				confidence REAL NOT NULL DEFAULT 1.0,
				status TEXT NOT NULL DEFAULT 'active',
				source_type TEXT NOT NULL DEFAULT '',
				source_id TEXT NOT NULL DEFAULT '',
				parent_id TEXT NOT NULL DEFAULT '',
				session_id TEXT NOT NULL DEFAULT '',
				agent_id TEXT NOT NULL DEFAULT '',
				task_id TEXT NOT NULL DEFAULT '',
				branch_name TEXT NOT NULL,
				metadata TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				superseded_at TEXT,
				invalidated_at TEXT
			)`, physical),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status, created_at)`, physical, physical),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_parent ON %s(parent_id)`, physical, physical),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_category ON %s(category)`, physical, physical),
		}
	case "observations":
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				observation_type TEXT NOT NULL,
				tool_name TEXT NOT NULL DEFAULT '',
				summary TEXT NOT NULL,
				embedding BLOB,
				raw_input TEXT NOT NULL DEFAULT '',
				raw_output TEXT NOT NULL DEFAULT '',
				session_id TEXT NOT NULL DEFAULT '',
				branch_name TEXT NOT NULL,
				metadata TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`, physical),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created ON %s(created_at)`, physical, physical),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session_id)`, physical, physical),
		}
	case "relations":
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				source_entity TEXT NOT NULL,
				target_entity TEXT NOT NULL,
				relation_type TEXT NOT NULL,
				properties TEXT NOT NULL DEFAULT '',
				confidence REAL NOT NULL DEFAULT 1.0,
				valid_from TEXT NOT NULL,
				valid_to TEXT,
				session_id TEXT NOT NULL DEFAULT '',
				branch_name TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`, physical),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_source ON %s(source_entity, valid_to)`, physical, physical),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_target ON %s(target_entity, valid_to)`, physical, physical),
		}
	case "conversations":
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL DEFAULT '',
				agent_id TEXT NOT NULL DEFAULT '',
				task_id TEXT NOT NULL DEFAULT '',
				branch_name TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				parent_conversation_id TEXT NOT NULL DEFAULT '',
				fork_point_message_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'active',
				message_count INTEGER NOT NULL DEFAULT 0,
				total_tokens INTEGER NOT NULL DEFAULT 0,
				model TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`, physical),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session_id)`, physical, physical),
		}
	case "messages":
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL,
				session_id TEXT NOT NULL DEFAULT '',
				agent_id TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				thinking TEXT NOT NULL DEFAULT '',
				tool_calls TEXT NOT NULL DEFAULT '',
				token_count INTEGER NOT NULL DEFAULT 0,
				model TEXT NOT NULL DEFAULT '',
				sequence_num INTEGER NOT NULL,
				branch_name TEXT NOT NULL,
				embedding BLOB,
				created_at TEXT NOT NULL
			)`, physical),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_conv ON %s(conversation_id, sequence_num)`, physical, physical),
		}
	}
	return nil
}

// ftsDDL renders the FTS5 mirror and sync triggers for one physical
// table, content-linked by rowid.
func ftsDDL(physical, field string) []string {
	fts := physical + "_fts"
	return []string{
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(
			%s,
			content='%s',
			content_rowid='rowid'
		)`, fts, field, physical),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_ai AFTER INSERT ON %s BEGIN
			INSERT INTO %s(rowid, %s) VALUES (new.rowid, new.%s);
		END`, physical, physical, fts, field, field),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_ad AFTER DELETE ON %s BEGIN
			INSERT INTO %s(%s, rowid, %s) VALUES ('delete', old.rowid, old.%s);
		END`, physical, physical, fts, fts, field, field),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_au AFTER UPDATE ON %s BEGIN
			INSERT INTO %s(%s, rowid, %s) VALUES ('delete', old.rowid, old.%s);
			INSERT INTO %s(rowid, %s) VALUES (new.rowid, new.%s);
		END`, physical, physical, fts, fts, field, field, fts, field, field),
	}
}

// registryDDL is the unbranched schema: branch registry, snapshots,
// merge history, sessions, tasks, scores, templates and bookkeeping.
var registryDDL = []string{
	`CREATE TABLE IF NOT EXISTS branch_registry (
		branch_name TEXT PRIMARY KEY,
		parent_branch TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		forked_at TEXT NOT NULL,
		merged_at TEXT,
		merge_strategy TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		branch_name TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		native INTEGER NOT NULL DEFAULT 1,
		captured_at TEXT NOT NULL,
		payload TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS merge_history (
		id TEXT PRIMARY KEY,
		source_branch TEXT NOT NULL,
		target_branch TEXT NOT NULL,
		strategy TEXT NOT NULL,
		items_merged TEXT NOT NULL DEFAULT '',
		items_rejected TEXT NOT NULL DEFAULT '',
		conflict_resolution TEXT NOT NULL DEFAULT '',
		merged_by TEXT NOT NULL DEFAULT 'auto',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		parent_session TEXT NOT NULL DEFAULT '',
		branch_name TEXT NOT NULL DEFAULT 'main',
		project_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		summary TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		objective TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		created_branch TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_agents (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		assigned_branch TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		joined_at TEXT NOT NULL,
		left_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_agents_task ON task_agents(task_id)`,
	`CREATE TABLE IF NOT EXISTS scores (
		id TEXT PRIMARY KEY,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		scorer TEXT NOT NULL DEFAULT '',
		dimension TEXT NOT NULL,
		value REAL NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scores_target ON scores(target_type, target_id, dimension)`,
	`CREATE TABLE IF NOT EXISTS template_branches (
		name TEXT PRIMARY KEY,
		source_branch TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		applicable_task_types TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		snapshot_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS consolidation_history (
		id TEXT PRIMARY KEY,
		branch_name TEXT NOT NULL,
		observations_processed INTEGER NOT NULL DEFAULT 0,
		facts_created INTEGER NOT NULL DEFAULT 0,
		facts_updated INTEGER NOT NULL DEFAULT 0,
		facts_deduplicated INTEGER NOT NULL DEFAULT 0,
		yield_rate REAL NOT NULL DEFAULT 0,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS replays (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		source_conversation_id TEXT NOT NULL,
		pivot_message_id TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		branch_name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS handoff_records (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		assigned_branch TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge_bundles (
		id TEXT PRIMARY KEY,
		template_name TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		payload TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
}

// initSchema creates the registry tables and the main branch table set.
func (s *Store) initSchema(ctx context.Context) error {
	const op = "storage.init_schema"

	for _, stmt := range registryDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errs.Wrap(errs.Unavailable, op, err)
		}
	}

	if err := s.createBranchTables(ctx, MainBranch); err != nil {
		return err
	}

	// seed the main registry row
	now := FormatTime(timeNow())
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO branch_registry (branch_name, parent_branch, status, forked_at, created_at)
		VALUES (?, '', 'active', ?, ?)
		ON CONFLICT(branch_name) DO NOTHING`,
		MainBranch, now, now); err != nil {
		return errs.Wrap(errs.Unavailable, op, err)
	}

	return nil
}

// CreateBranchTables creates an empty table set for a branch without
// copying any rows. Used by payload-based restores.
func (s *Store) CreateBranchTables(ctx context.Context, branch string) error {
	return s.createBranchTables(ctx, branch)
}

// createBranchTables creates the five branched tables (plus FTS mirrors
// when available) for the given branch, empty.
func (s *Store) createBranchTables(ctx context.Context, branch string) error {
	const op = "storage.create_branch_tables"

	for _, logical := range BranchedTables {
		physical, err := ResolveTable(logical, branch)
		if err != nil {
			return err
		}
		for _, stmt := range branchedDDL(logical, physical) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return errs.Wrap(errs.Unavailable, op, err)
			}
		}
		if field, ok := ftsFields[logical]; ok && s.ftsEnabled {
			for _, stmt := range ftsDDL(physical, field) {
				if _, err := s.db.ExecContext(ctx, stmt); err != nil {
					return errs.Wrap(errs.Unavailable, op, err)
				}
			}
		}
	}
	return nil
}
