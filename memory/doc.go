// Package memory keeps conversation history per session. The system
// assembly consults it when a caller supplies no history of its own and
// appends each completed exchange afterwards.
//
// InMemoryStore is the only implementation. It bounds history per session
// and evicts the least recently touched session once MaxSessions is reached.
package memory
