// Package core provides the foundational domain types shared by every layer
// of the dispatch stack:
//
//   - Request / Response (the immutable inbound call and its single answer)
//   - Annotations (typed, mergeable metadata attached to a Response by hooks)
//   - Outcome (explicit success / degraded / fatal result of a unit's work)
//   - UnitStatus (derived health snapshot of a processing unit)
//   - Agent (the uniform processing unit contract consumed by the orchestrator)
//
// Implementation concerns (backend selection, routing policy, persistence)
// live in their own packages; core only exposes small types and interfaces
// so the packages above it stay decoupled.
package core
