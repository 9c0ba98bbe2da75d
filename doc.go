// Package branchbase is a versioned knowledge store for AI agents.
//
// branchbase keeps facts, observations, relations and conversations in
// a single SQLite file (modernc.org/sqlite, no CGO) and versions all of
// them with git-like branches: fork an experiment branch, write freely,
// then merge, cherry-pick or discard. Snapshots capture a branch at a
// point in time and restore into fresh branches; templates stamp out
// pre-seeded branches for recurring task types.
//
// Retrieval is hybrid: FTS5 BM25 and cosine similarity over stored
// embeddings, fused with a temporal decay that favors recent knowledge.
//
// Open a store, then reach the engines through the accessors:
//
//	db, err := branchbase.Open(ctx, branchbase.DefaultConfig("agent.db"),
//		branchbase.WithEmbedder(embedder))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	exp, err := db.Branches().Create(ctx, "exp/a", "main", "trying a new approach")
//	...
//	fact, err := db.Facts().Write(ctx, knowledge.FactInput{BranchName: "exp/a", FactText: "..."})
package branchbase
