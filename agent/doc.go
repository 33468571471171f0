// Package agent contains the processing units that turn a core.Request into a
// core.Response using one backend call plus optional retrieval.
//
// BaseAgent owns the lifecycle every unit shares:
//
//  1. Reject fast once shut down (the only error Process returns)
//  2. PreProcess hook (observation only)
//  3. The unit's ProcessRequest, returning an explicit core.Outcome
//  4. Recovery of fatal outcomes and panics into a confidence 0 apology
//  5. PostProcess hook (may enrich metadata)
//
// Concrete units (Coordinator, Builder, Researcher, Creative) embed BaseAgent
// and supply ProcessRequest, an apology string and a confidence Scorer.
// Confidence is a tunable heuristic used by the orchestrator to decide on
// fallback. It is not a correctness measure.
package agent
