package orchestrator

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/hupe1980/agentrelay/core"
)

// Selection is the unit chosen for a request and why.
type Selection struct {
	Agent  core.Agent
	Reason string
}

// RoutingStrategy picks a unit for req from agents, or returns nil when no
// unit can take it. agents is sorted by ID.
type RoutingStrategy interface {
	Select(agents []core.Agent, req core.Request) *Selection
}

// StrategyFunc adapts a function to a RoutingStrategy.
type StrategyFunc func(agents []core.Agent, req core.Request) *Selection

// Select implements RoutingStrategy.
func (f StrategyFunc) Select(agents []core.Agent, req core.Request) *Selection { return f(agents, req) }

// Condition decides whether a rule applies to a request.
type Condition interface {
	Match(req core.Request) bool
}

// ConditionFunc adapts a function to a Condition.
type ConditionFunc func(req core.Request) bool

// Match implements Condition.
func (f ConditionFunc) Match(req core.Request) bool { return f(req) }

// KeywordCondition matches when the content contains any keyword as a whole
// word or phrase, ignoring case.
type KeywordCondition []string

// Match implements Condition.
func (k KeywordCondition) Match(req core.Request) bool {
	content := normalize(req.Content)
	for _, kw := range k {
		if containsPhrase(content, kw) {
			return true
		}
	}
	return false
}

// normalize lowercases s, maps non-alphanumerics to spaces and pads it so
// phrases can be matched on word boundaries.
func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(fields, " ") + " "
}

func containsPhrase(normalized, phrase string) bool {
	p := normalize(phrase)
	return p != "  " && strings.Contains(normalized, p)
}

// PatternCondition matches content against a regular expression.
type PatternCondition struct{ *regexp.Regexp }

// NewPatternCondition compiles pattern into a case-insensitive condition.
func NewPatternCondition(pattern string) (PatternCondition, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return PatternCondition{}, err
	}
	return PatternCondition{re}, nil
}

// Match implements Condition.
func (p PatternCondition) Match(req core.Request) bool { return p.MatchString(req.Content) }

// Rule routes matching requests to Target. Higher Priority is evaluated first.
type Rule struct {
	Name      string
	Condition Condition
	Target    string
	Priority  int
}

// IntentFamily is a named group of keywords pointing at a target unit.
type IntentFamily struct {
	Name     string
	Target   string
	Keywords []string
}

// DefaultIntentFamilies returns the built-in creative, technical and research families.
func DefaultIntentFamilies() []IntentFamily {
	return []IntentFamily{
		{Name: "creative", Target: "creative", Keywords: []string{
			"creative", "design", "idea", "ideas", "brainstorm", "story", "poem", "name for", "slogan", "logo", "color scheme", "theme", "imagine",
		}},
		{Name: "technical", Target: "builder", Keywords: []string{
			"build", "create a tool", "code", "html", "css", "javascript", "function", "calculator", "converter", "timer", "form", "app", "script", "implement", "fix", "bug",
		}},
		{Name: "research", Target: "researcher", Keywords: []string{
			"research", "explain", "what is", "how does", "compare", "difference between", "documentation", "source",
		}},
	}
}

// KeywordClassifier scores request content against intent families and
// returns the target of the family with the most keyword hits. Ties go to
// the family listed first.
type KeywordClassifier struct {
	Families []IntentFamily
}

// NewKeywordClassifier returns a classifier over families, or the defaults when none are given.
func NewKeywordClassifier(families ...IntentFamily) *KeywordClassifier {
	if len(families) == 0 {
		families = DefaultIntentFamilies()
	}
	return &KeywordClassifier{Families: families}
}

// Classify returns the winning family, or false when nothing matched.
func (c *KeywordClassifier) Classify(content string) (IntentFamily, bool) {
	content = normalize(content)
	best, bestHits := -1, 0
	for i, f := range c.Families {
		hits := 0
		for _, kw := range f.Keywords {
			if containsPhrase(content, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	if best < 0 {
		return IntentFamily{}, false
	}
	return c.Families[best], true
}

// Selection reasons reported by CapabilityStrategy.
const (
	ReasonRule        = "rule"
	ReasonClassifier  = "classifier"
	ReasonCoordinator = "coordinator"
	ReasonAnyHealthy  = "any_healthy"
)

// CapabilityStrategy is the default routing strategy:
//
//  1. Rules in priority order; the first match whose target is healthy wins
//  2. The keyword classifier's target, when healthy
//  3. The coordinator, when healthy
//  4. Any healthy unit
type CapabilityStrategy struct {
	rules       []Rule
	classifier  *KeywordClassifier
	coordinator string
}

// NewCapabilityStrategy creates the default strategy. Rules are ordered by
// descending priority; equal priorities keep their given order. A nil
// classifier uses the default intent families.
func NewCapabilityStrategy(rules []Rule, classifier *KeywordClassifier, coordinator string) *CapabilityStrategy {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	if classifier == nil {
		classifier = NewKeywordClassifier()
	}
	return &CapabilityStrategy{rules: sorted, classifier: classifier, coordinator: coordinator}
}

// Rules returns the rules in evaluation order.
func (s *CapabilityStrategy) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Select implements RoutingStrategy.
func (s *CapabilityStrategy) Select(agents []core.Agent, req core.Request) *Selection {
	byID := make(map[string]core.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID()] = a
	}
	healthy := func(id string) core.Agent {
		a, ok := byID[id]
		if !ok || !a.Status().IsHealthy {
			return nil
		}
		return a
	}

	for _, r := range s.rules {
		if r.Condition == nil || !r.Condition.Match(req) {
			continue
		}
		if a := healthy(r.Target); a != nil {
			return &Selection{Agent: a, Reason: ReasonRule + ":" + r.Name}
		}
	}

	if f, ok := s.classifier.Classify(req.Content); ok {
		if a := healthy(f.Target); a != nil {
			return &Selection{Agent: a, Reason: ReasonClassifier + ":" + f.Name}
		}
	}

	if s.coordinator != "" {
		if a := healthy(s.coordinator); a != nil {
			return &Selection{Agent: a, Reason: ReasonCoordinator}
		}
	}

	for _, a := range agents {
		if a.Status().IsHealthy {
			return &Selection{Agent: a, Reason: ReasonAnyHealthy}
		}
	}
	return nil
}
