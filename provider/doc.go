// Package provider defines the backend-agnostic completion abstractions and
// the Manager that picks a backend per call.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Track per-backend health (latency, error rate, rate-limit budget)
//   - Select a backend per call under a routing strategy (cost, performance,
//     round-robin, priority) and retry on another backend when one fails
//   - Facilitate lightweight mocking for tests (MockProvider)
//
// Vendor adapters (openai, anthropic, gemini) live in sub-packages and
// implement Provider so higher layers (agents, orchestrator) stay decoupled
// from vendor SDKs.
package provider
