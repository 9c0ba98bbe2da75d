package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/branchbase/branchbase"
	"github.com/branchbase/branchbase/pkg/convo"
	"github.com/branchbase/branchbase/pkg/knowledge"
	"github.com/branchbase/branchbase/pkg/merge"
	"github.com/branchbase/branchbase/pkg/provider"
	"github.com/branchbase/branchbase/pkg/search"
	"github.com/branchbase/branchbase/pkg/storage"
)

var (
	dbPath     string
	configFile string
	branchName string
	asJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "branchbase",
	Short: "Versioned knowledge store for AI agents",
	Long: `branchbase keeps agent knowledge (facts, observations, relations,
conversations) in a single SQLite file and versions it with git-like
branches: fork, merge, cherry-pick, snapshot and restore.`,
}

func openDB(ctx context.Context) (*branchbase.DB, error) {
	cfg := branchbase.DefaultConfig(dbPath)
	if configFile != "" {
		loaded, err := branchbase.LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		if dbPath != "" {
			cfg.Path = dbPath
		}
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required (--db or config file)")
	}
	return branchbase.Open(ctx, cfg,
		branchbase.WithEmbedder(provider.NewHashEmbedder(cfg.Dimensions)))
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a knowledge store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Printf("Knowledge store initialized at %s\n", db.Config().Path)
		return nil
	},
}

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage branches",
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Fork a new branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, _ := cmd.Flags().GetString("parent")
		desc, _ := cmd.Flags().GetString("description")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		b, err := db.Branches().Create(ctx, args[0], parent, desc)
		if err != nil {
			return err
		}
		fmt.Printf("Branch %s forked from %s\n", b.Name, b.Parent)
		return nil
	},
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		branches, err := db.Branches().List(ctx, status)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(branches)
		}
		for _, b := range branches {
			parent := b.Parent
			if parent == "" {
				parent = "-"
			}
			fmt.Printf("%-30s %-10s parent=%s\n", b.Name, b.Status, parent)
		}
		return nil
	},
}

var branchArchiveCmd = &cobra.Command{
	Use:   "archive <name>",
	Short: "Archive a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Branches().Archive(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Branch %s archived\n", args[0])
		return nil
	},
}

var branchStatsCmd = &cobra.Command{
	Use:   "stats <name>",
	Short: "Show per-table row counts for a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		counts, err := db.Branches().Stats(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(counts)
	},
}

var factCmd = &cobra.Command{
	Use:   "fact",
	Short: "Manage facts",
}

var factWriteCmd = &cobra.Command{
	Use:   "write <text>",
	Short: "Write a fact (deduplicates and supersedes automatically)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		confidence, _ := cmd.Flags().GetFloat64("confidence")
		session, _ := cmd.Flags().GetString("session")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		f, err := db.Facts().Write(ctx, knowledge.FactInput{
			FactText:   args[0],
			Category:   category,
			Confidence: confidence,
			SessionID:  session,
			BranchName: branchName,
		})
		if err != nil {
			return err
		}
		if f.ParentID != "" {
			fmt.Printf("Fact %s written, supersedes %s\n", f.ID, f.ParentID)
		} else {
			fmt.Printf("Fact %s written\n", f.ID)
		}
		return nil
	},
}

var factListCmd = &cobra.Command{
	Use:   "list",
	Short: "List facts on a branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		facts, err := db.Facts().List(ctx, branchName, knowledge.FactFilter{
			Category: category,
			Status:   status,
			Limit:    limit,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(facts)
		}
		for _, f := range facts {
			fmt.Printf("%s [%s, %.2f] %s\n", f.ID, f.Status, f.Confidence, f.FactText)
		}
		return nil
	},
}

var factInvalidateCmd = &cobra.Command{
	Use:   "invalidate <id>",
	Short: "Invalidate a fact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Facts().Invalidate(ctx, args[0], branchName, reason); err != nil {
			return err
		}
		fmt.Printf("Fact %s invalidated\n", args[0])
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search knowledge (hybrid BM25 + vector with temporal decay)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		scope, _ := cmd.Flags().GetString("scope")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		results, err := db.Search().Search(ctx, search.Options{
			Query:      args[0],
			BranchName: branchName,
			Type:       search.Type(mode),
			Scope:      scope,
			Limit:      limit,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(results)
		}
		for i, r := range results {
			text := r.Text
			if len(text) > 100 {
				text = text[:100] + "..."
			}
			fmt.Printf("%2d. [%.4f] %s %s\n", i+1, r.Score, r.ID, text)
		}
		return nil
	},
}

var obsCmd = &cobra.Command{
	Use:   "obs",
	Short: "Manage observations",
}

var obsWriteCmd = &cobra.Command{
	Use:   "write <summary>",
	Short: "Record an observation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		obsType, _ := cmd.Flags().GetString("type")
		tool, _ := cmd.Flags().GetString("tool")
		session, _ := cmd.Flags().GetString("session")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		o, err := db.Observations().Write(ctx, knowledge.ObservationInput{
			ObservationType: obsType,
			Summary:         args[0],
			ToolName:        tool,
			SessionID:       session,
			BranchName:      branchName,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Observation %s recorded\n", o.ID)
		return nil
	},
}

var relCmd = &cobra.Command{
	Use:   "rel",
	Short: "Manage entity relations",
}

var relWriteCmd = &cobra.Command{
	Use:   "write <source> <type> <target>",
	Short: "Assert a relation (closes any open edge of the same triple)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		confidence, _ := cmd.Flags().GetFloat64("confidence")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		r, err := db.Relations().Write(ctx, knowledge.RelationInput{
			SourceEntity: args[0],
			RelationType: args[1],
			TargetEntity: args[2],
			Confidence:   confidence,
			BranchName:   branchName,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Relation %s: %s -[%s]-> %s\n", r.ID, r.SourceEntity, r.RelationType, r.TargetEntity)
		return nil
	},
}

var relQueryCmd = &cobra.Command{
	Use:   "query <entity>",
	Short: "Traverse the relation graph from an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		relType, _ := cmd.Flags().GetString("type")
		g, err := db.Relations().Query(ctx, args[0], relType, depth, branchName)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(g)
		}
		fmt.Printf("%d nodes, %d edges\n", len(g.Nodes), len(g.Edges))
		for _, e := range g.Edges {
			fmt.Printf("  %s -[%s]-> %s\n", e.SourceEntity, e.RelationType, e.TargetEntity)
		}
		return nil
	},
}

var convoCmd = &cobra.Command{
	Use:   "convo",
	Short: "Manage conversations",
}

var convoCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		session, _ := cmd.Flags().GetString("session")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		c, err := db.Conversations().CreateConversation(ctx, convo.ConversationInput{
			Title:      title,
			SessionID:  session,
			BranchName: branchName,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Conversation %s created\n", c.ID)
		return nil
	},
}

var convoAppendCmd = &cobra.Command{
	Use:   "append <conversation-id> <role> <content>",
	Short: "Append a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		m, err := db.Conversations().AppendMessage(ctx, convo.MessageInput{
			ConversationID: args[0],
			Role:           args[1],
			Content:        args[2],
			BranchName:     branchName,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Message %s appended at position %d\n", m.ID, m.SequenceNum)
		return nil
	},
}

var convoForkCmd = &cobra.Command{
	Use:   "fork <conversation-id> <pivot-message-id>",
	Short: "Fork a conversation at a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		c, err := db.Conversations().Fork(ctx, args[0], args[1], title, branchName)
		if err != nil {
			return err
		}
		fmt.Printf("Conversation forked to %s (%d messages)\n", c.ID, c.MessageCount)
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <source> <target>",
	Short: "Merge one branch into another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		items, _ := cmd.Flags().GetString("items")
		accept, _ := cmd.Flags().GetBool("accept-conflicts")
		keepSource, _ := cmd.Flags().GetBool("keep-source")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		opts := merge.Options{
			Strategy:   merge.Strategy(strategy),
			KeepSource: keepSource,
		}
		if items != "" {
			opts.Items = strings.Split(items, ",")
		}
		if accept {
			opts.ConflictPolicy = storage.ConflictAccept
		}

		res, err := db.Merge().Merge(ctx, args[0], args[1], opts)
		if err != nil {
			return err
		}
		fmt.Printf("Merge %s: %d merged, %d rejected\n", res.ID, len(res.ItemsMerged), len(res.ItemsRejected))
		for _, item := range res.ItemsRejected {
			fmt.Printf("  rejected %s/%s: %s\n", item.Table, item.ID, item.Reason)
		}
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the current branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		native, _ := cmd.Flags().GetBool("native")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		s, err := db.Snapshots().Create(ctx, branchName, label, native)
		if err != nil {
			return err
		}
		fmt.Printf("Snapshot %s created for branch %s\n", s.ID, s.BranchName)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots of the current branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		snaps, err := db.Snapshots().List(ctx, branchName)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(snaps)
		}
		for _, s := range snaps {
			kind := "payload"
			if !s.HasPayload {
				kind = "native"
			}
			fmt.Printf("%s %s [%s] %s\n", s.ID, s.CreatedAt.Format(time.RFC3339), kind, s.Label)
		}
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Short: "Restore a snapshot into a new branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		b, err := db.Snapshots().Restore(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Snapshot restored into branch %s\n", b.Name)
		return nil
	},
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage multi-agent tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <objective>",
	Short: "Create a task with its own branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskType, _ := cmd.Flags().GetString("type")
		parent, _ := cmd.Flags().GetString("parent")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		t, err := db.Tasks().Create(ctx, args[0], taskType, parent)
		if err != nil {
			return err
		}
		fmt.Printf("Task %s created on branch %s\n", t.ID, t.CreatedBranch)
		return nil
	},
}

var taskJoinCmd = &cobra.Command{
	Use:   "join <task-id> <agent-id>",
	Short: "Join a task as an agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		a, err := db.Tasks().Join(ctx, args[0], args[1], role)
		if err != nil {
			return err
		}
		fmt.Printf("Agent %s joined on branch %s\n", a.AgentID, a.AssignedBranch)
		return nil
	},
}

var taskLeaveCmd = &cobra.Command{
	Use:   "leave <task-id> <agent-id>",
	Short: "Leave a task with a handoff summary",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, _ := cmd.Flags().GetString("summary")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Tasks().Leave(ctx, args[0], args[1], summary); err != nil {
			return err
		}
		fmt.Printf("Agent %s left task %s\n", args[1], args[0])
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task and its agents' progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		report, err := db.Tasks().Status(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage branch templates",
}

var templateRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register the current branch as a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskTypes, _ := cmd.Flags().GetString("task-types")
		tags, _ := cmd.Flags().GetString("tags")
		desc, _ := cmd.Flags().GetString("description")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		t, err := db.Templates().Register(ctx, args[0], branchName, desc,
			splitCSV(taskTypes), splitCSV(tags))
		if err != nil {
			return err
		}
		fmt.Printf("Template %s v%d registered from %s\n", t.Name, t.Version, t.SourceBranch)
		return nil
	},
}

var templateInstantiateCmd = &cobra.Command{
	Use:   "instantiate <name> <branch>",
	Short: "Create a branch pre-seeded from a template",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		taskID, _ := cmd.Flags().GetString("task")
		b, err := db.Templates().Instantiate(ctx, args[0], args[1], taskID)
		if err != nil {
			return err
		}
		fmt.Printf("Branch %s instantiated from template %s\n", b.Name, args[0])
		return nil
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Record quality scores",
}

var scoreRecordCmd = &cobra.Command{
	Use:   "record <target-type> <target-id> <dimension> <value>",
	Short: "Record one score in [0,1]",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		explanation, _ := cmd.Flags().GetString("explanation")

		var value float64
		if _, err := fmt.Sscanf(args[3], "%f", &value); err != nil {
			return fmt.Errorf("invalid value %q: %w", args[3], err)
		}

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		s, err := db.Scores().Record(ctx, args[0], args[1], "manual", args[2], value, explanation)
		if err != nil {
			return err
		}
		fmt.Printf("Score %s recorded\n", s.ID)
		return nil
	},
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Promote recent observations into facts",
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, _ := cmd.Flags().GetInt("hours")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		report, err := db.Consolidation().Run(ctx, branchName, time.Duration(hours)*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("Processed %d observations: %d facts created, %d updated, %d deduplicated (yield %.2f)\n",
			report.ObservationsProcessed, report.FactsCreated, report.FactsUpdated,
			report.FactsDeduplicated, report.YieldRate)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "branchbase.db", "database file path")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&branchName, "branch", "b", "main", "branch to operate on")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "emit JSON output")

	branchCreateCmd.Flags().String("parent", "main", "parent branch")
	branchCreateCmd.Flags().String("description", "", "branch description")
	branchListCmd.Flags().String("status", "", "filter by status (active, merged, archived)")
	branchCmd.AddCommand(branchCreateCmd, branchListCmd, branchArchiveCmd, branchStatsCmd)

	factWriteCmd.Flags().String("category", "", "fact category")
	factWriteCmd.Flags().Float64("confidence", 0, "confidence in [0,1], 0 means 1.0")
	factWriteCmd.Flags().String("session", "", "session id")
	factListCmd.Flags().String("category", "", "filter by category")
	factListCmd.Flags().String("status", "", "filter by status")
	factListCmd.Flags().Int("limit", 50, "max results")
	factInvalidateCmd.Flags().String("reason", "", "invalidation reason")
	factCmd.AddCommand(factWriteCmd, factListCmd, factInvalidateCmd)

	searchCmd.Flags().String("mode", "hybrid", "search mode: keyword, vector, hybrid")
	searchCmd.Flags().String("scope", "facts", "scope: facts, observations, messages")
	searchCmd.Flags().Int("limit", 10, "max results")

	obsWriteCmd.Flags().String("type", "discovery", "observation type")
	obsWriteCmd.Flags().String("tool", "", "tool name")
	obsWriteCmd.Flags().String("session", "", "session id")
	obsCmd.AddCommand(obsWriteCmd)

	relWriteCmd.Flags().Float64("confidence", 0, "confidence in [0,1], 0 means 1.0")
	relQueryCmd.Flags().Int("depth", 2, "traversal depth")
	relQueryCmd.Flags().String("type", "", "restrict traversal to one relation type")
	relCmd.AddCommand(relWriteCmd, relQueryCmd)

	convoCreateCmd.Flags().String("title", "", "conversation title")
	convoCreateCmd.Flags().String("session", "", "session id")
	convoForkCmd.Flags().String("title", "", "title for the fork")
	convoCmd.AddCommand(convoCreateCmd, convoAppendCmd, convoForkCmd)

	mergeCmd.Flags().String("strategy", "auto", "merge strategy: native, cherry_pick, squash, auto")
	mergeCmd.Flags().String("items", "", "comma-separated fact ids for cherry_pick")
	mergeCmd.Flags().Bool("accept-conflicts", false, "native: overwrite conflicting target rows")
	mergeCmd.Flags().Bool("keep-source", false, "do not mark the source branch merged")

	snapshotCreateCmd.Flags().String("label", "", "snapshot label")
	snapshotCreateCmd.Flags().Bool("native", false, "anchor-only snapshot (no payload copy)")
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotRestoreCmd)

	taskCreateCmd.Flags().String("type", "", "task type")
	taskCreateCmd.Flags().String("parent", "main", "parent branch for the task branch")
	taskJoinCmd.Flags().String("role", "", "agent role")
	taskLeaveCmd.Flags().String("summary", "", "handoff summary")
	taskCmd.AddCommand(taskCreateCmd, taskJoinCmd, taskLeaveCmd, taskStatusCmd)

	templateRegisterCmd.Flags().String("task-types", "", "comma-separated applicable task types")
	templateRegisterCmd.Flags().String("tags", "", "comma-separated tags")
	templateRegisterCmd.Flags().String("description", "", "template description")
	templateInstantiateCmd.Flags().String("task", "", "task id to associate")
	templateCmd.AddCommand(templateRegisterCmd, templateInstantiateCmd)

	scoreRecordCmd.Flags().String("explanation", "", "why this score")
	scoreCmd.AddCommand(scoreRecordCmd)

	consolidateCmd.Flags().Int("hours", 0, "look-back window in hours (0 uses the engine default)")

	rootCmd.AddCommand(initCmd, branchCmd, factCmd, searchCmd, obsCmd, relCmd,
		convoCmd, mergeCmd, snapshotCmd, taskCmd, templateCmd, scoreCmd, consolidateCmd)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
