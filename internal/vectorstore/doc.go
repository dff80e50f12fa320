// Package vectorstore keeps an embedded similarity index over stored
// opportunities.
//
// The index is a chromem-go collection holding one document per opportunity,
// keyed by opportunity ID. It is never the source of truth: the relational
// store is, and the index can be rebuilt from it at any time with Rebuild.
//
// Two callers use it:
//   - the pipeline narrows the corpus-wide duplicate check to the nearest
//     neighbours of a candidate instead of scanning every stored record
//   - the search command and HTTP endpoint rank stored opportunities against
//     free text
//
// # Embeddings
//
// By default documents are embedded with HashEmbedder, a deterministic
// feature-hashing embedder that needs no model and no network. Any Embedder
// can be supplied instead.
//
// # Usage
//
//	idx, err := vectorstore.NewIndex(vectorstore.Config{Path: dir}, nil, logger)
//	if err != nil {
//	    return err
//	}
//	if err := idx.Upsert(ctx, opp); err != nil {
//	    return err
//	}
//	matches, err := idx.Query(ctx, "robotics fellowship", 5)
//
// An empty Path keeps the index in memory only.
package vectorstore
