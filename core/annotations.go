package core

import (
	"fmt"
	"sort"
)

// Key names a metadata annotation.
type Key string

// Well-known annotation keys. Hooks may add their own keys.
const (
	KeyProvider         Key = "provider"
	KeyModel            Key = "model"
	KeyPromptTokens     Key = "prompt_tokens"
	KeyCompletionTokens Key = "completion_tokens"
	KeyTotalTokens      Key = "total_tokens"
	KeyAttempts         Key = "provider_attempts"
	KeyProcessingTime   Key = "processing_time_ms"
	KeyAgentType        Key = "agent_type"
	KeyError            Key = "error"
	KeyDegradedReason   Key = "degraded_reason"
	KeyRoutedBy         Key = "routed_by"
	KeyFallback         Key = "fallback"
	KeyDelegatedFrom    Key = "delegated_from"
	KeyFallbackAttempt  Key = "fallback_attempt"
	KeyFallbackExhaust  Key = "fallback_exhausted"
	KeyKnowledgeHits    Key = "knowledge_hits"
)

// ValueKind is the type tag of a Value.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
	KindFloat
	KindBool
)

// Value is a typed annotation value.
type Value struct {
	kind ValueKind
	s    string
	i    int64
	f    float64
	b    bool
}

// String builds a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int builds an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float builds a float Value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Bool builds a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind returns the value's type tag.
func (v Value) Kind() ValueKind { return v.kind }

// Any returns the underlying Go value.
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	default:
		return v.s
	}
}

func (v Value) String() string { return fmt.Sprint(v.Any()) }

// Annotations is an order-irrelevant set of typed key/value facts attached to a
// Response after the fact. The zero value is ready to use. Not safe for
// concurrent mutation; a Response is owned by one request at a time.
type Annotations struct {
	values map[Key]Value
}

// Set stores v under k, replacing any earlier value.
func (a *Annotations) Set(k Key, v Value) {
	if a.values == nil {
		a.values = make(map[Key]Value)
	}
	a.values[k] = v
}

// SetString is shorthand for Set(k, String(s)).
func (a *Annotations) SetString(k Key, s string) { a.Set(k, String(s)) }

// SetInt is shorthand for Set(k, Int(i)).
func (a *Annotations) SetInt(k Key, i int64) { a.Set(k, Int(i)) }

// SetFloat is shorthand for Set(k, Float(f)).
func (a *Annotations) SetFloat(k Key, f float64) { a.Set(k, Float(f)) }

// SetBool is shorthand for Set(k, Bool(b)).
func (a *Annotations) SetBool(k Key, b bool) { a.Set(k, Bool(b)) }

// Get returns the value stored under k.
func (a *Annotations) Get(k Key) (Value, bool) {
	v, ok := a.values[k]
	return v, ok
}

// Has reports whether k is present.
func (a *Annotations) Has(k Key) bool {
	_, ok := a.values[k]
	return ok
}

// Delete removes k.
func (a *Annotations) Delete(k Key) { delete(a.values, k) }

// GetString returns the string stored under k; ok is false if missing or of another kind.
func (a *Annotations) GetString(k Key) (string, bool) {
	v, ok := a.values[k]
	if !ok || v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// GetInt returns the integer stored under k.
func (a *Annotations) GetInt(k Key) (int64, bool) {
	v, ok := a.values[k]
	if !ok || v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// GetFloat returns the float stored under k.
func (a *Annotations) GetFloat(k Key) (float64, bool) {
	v, ok := a.values[k]
	if !ok || v.kind != KindFloat {
		return 0, false
	}
	return v.f, true
}

// GetBool returns the boolean stored under k.
func (a *Annotations) GetBool(k Key) (bool, bool) {
	v, ok := a.values[k]
	if !ok || v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// Merge copies every annotation of other into a. Values in other win.
func (a *Annotations) Merge(other Annotations) {
	for k, v := range other.values {
		a.Set(k, v)
	}
}

// Len returns the number of annotations.
func (a *Annotations) Len() int { return len(a.values) }

// Keys returns the annotation keys in sorted order.
func (a *Annotations) Keys() []Key {
	keys := make([]Key, 0, len(a.values))
	for k := range a.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Map returns a plain copy suitable for logging or JSON encoding.
func (a *Annotations) Map() map[string]any {
	out := make(map[string]any, len(a.values))
	for k, v := range a.values {
		out[string(k)] = v.Any()
	}
	return out
}
