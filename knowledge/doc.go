// Package knowledge implements the retrieval service consulted by agents: an
// in-memory bleve full-text index over a fixed document set, fronted by an
// LRU cache of recent query results.
//
// Search is best-effort. An empty result set is a valid outcome, never an
// error. Relevance scores are normalized per query so the best hit scores 1.
package knowledge
