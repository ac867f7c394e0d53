package zubot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Context item priority classes, highest first.
const (
	PriorityBase         = "base"
	PrioritySummary      = "summary"
	PriorityFact         = "fact"
	PriorityArtifact     = "artifact"
	PriorityRecent       = "recent"
	PrioritySupplemental = "supplemental"
)

// priorityScores weight classes during selection under budget pressure.
var priorityScores = map[string]int{
	PriorityBase:         120,
	PrioritySummary:      95,
	PriorityFact:         90,
	PriorityArtifact:     75,
	PriorityRecent:       70,
	PrioritySupplemental: 40,
}

// requiredPriorities are never dropped; if they alone blow the budget,
// assembly fails rather than silently truncating the grounding.
var requiredPriorities = map[string]bool{
	PriorityBase:    true,
	PrioritySummary: true,
	PriorityFact:    true,
}

const (
	pinnedBonus        = 1000
	maxRecencyBonus    = 25
	relevanceHitWeight = 8
	maxRelevanceBonus  = 40
	compactedMaxChars  = 2500
	compactedLabel     = "[CompactedHistory]"
)

// ContextItem is one unit of assembled prompt context.
type ContextItem struct {
	SourceID      string    `json:"source_id"` // "base:<path>", "fact:<key>", "summary:session", "supplemental:<path>"
	Label         string    `json:"label"`     // "BaseContext:", "Fact:", ...
	Content       string    `json:"content"`
	Priority      string    `json:"priority"`
	Pinned        bool      `json:"pinned,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Fingerprint   string    `json:"fingerprint"`
	TokenEstimate int       `json:"token_estimate"`
}

// NewContextItem builds an item with its fingerprint and token estimate.
func NewContextItem(sourceID, label, content, priority string) ContextItem {
	sum := sha256.Sum256([]byte(content))
	return ContextItem{
		SourceID:      sourceID,
		Label:         label,
		Content:       content,
		Priority:      priority,
		CreatedAt:     time.Now(),
		Fingerprint:   hex.EncodeToString(sum[:]),
		TokenEstimate: EstimateTextTokens(label+"\n"+content) + messageFraming,
	}
}

// ToPromptMessage renders the item as a system-role message.
func (c ContextItem) ToPromptMessage() ChatMessage {
	return SystemMessage(c.Label + "\n" + c.Content)
}

// ContextState is the per-session mutable context: base and supplemental
// documents, extracted facts, the rolling summary, and recent events.
type ContextState struct {
	Base         []ContextItem
	Supplemental []ContextItem
	Facts        []ContextItem
	Summary      string // rolling session summary, folded on overflow
	Recent       []ChatMessage
}

// SetBase replaces a base document, keyed "base:<path>".
func (s *ContextState) SetBase(path, content string) {
	s.Base = upsertItem(s.Base, NewContextItem("base:"+path, "BaseContext:", content, PriorityBase))
}

// SetSupplemental replaces a supplemental document, keyed "supplemental:<path>".
func (s *ContextState) SetSupplemental(path, content string) {
	s.Supplemental = upsertItem(s.Supplemental, NewContextItem("supplemental:"+path, "SupplementalContext:", content, PrioritySupplemental))
}

// SetFact replaces a fact, keyed "fact:<key>".
func (s *ContextState) SetFact(key, value string) {
	s.Facts = upsertItem(s.Facts, NewContextItem("fact:"+key, "Fact:", key+": "+value, PriorityFact))
}

func upsertItem(items []ContextItem, item ContextItem) []ContextItem {
	for i := range items {
		if items[i].SourceID == item.SourceID {
			items[i] = item
			return items
		}
	}
	return append(items, item)
}

// Assembly is the outcome of one context assembly pass.
type Assembly struct {
	Messages []ChatMessage `json:"messages"`
	Budget   TokenBudget   `json:"budget"`
	Dropped  []string      `json:"dropped,omitempty"` // source ids folded into the summary
}

// AssembleContext selects and orders context for one model call:
// base documents (path-sorted), facts, the session summary, then
// supplemental and recent events as budget allows. Optional items
// dropped under pressure are folded into the rolling summary and the
// selection re-runs once. The query string contributes relevance bonuses.
func AssembleContext(state *ContextState, query string, maxContext, maxOutput int) (Assembly, error) {
	result, retry := assembleOnce(state, query, maxContext, maxOutput)
	if retry {
		result, _ = assembleOnce(state, query, maxContext, maxOutput)
	}
	if !result.Budget.WithinBudget {
		return Assembly{}, &ErrBudget{
			Kind:   KindContextBudget,
			Detail: fmt.Sprintf("required context needs %d tokens, budget is %d", result.Budget.UsedTokens, result.Budget.AvailableForInput),
		}
	}
	return result, nil
}

func assembleOnce(state *ContextState, query string, maxContext, maxOutput int) (Assembly, bool) {
	available := maxContext - maxOutput
	if available < 0 {
		available = 0
	}

	required := make([]ContextItem, 0, len(state.Base)+len(state.Facts)+1)
	required = append(required, sortedByScanPath(state.Base)...)
	required = append(required, sortedBySource(state.Facts)...)
	if state.Summary != "" {
		required = append(required, NewContextItem("summary:session", "SessionSummary:", state.Summary, PrioritySummary))
	}

	used := 0
	for _, item := range required {
		used += item.TokenEstimate
	}

	optional := make([]ContextItem, 0, len(state.Supplemental))
	optional = append(optional, state.Supplemental...)
	scores := make(map[string]int, len(optional))
	for _, item := range optional {
		scores[item.SourceID] = scoreItem(item, query)
	}
	sort.SliceStable(optional, func(i, j int) bool {
		si, sj := scores[optional[i].SourceID], scores[optional[j].SourceID]
		if si != sj {
			return si > sj
		}
		return optional[i].SourceID < optional[j].SourceID
	})

	var kept []ContextItem
	var dropped []string
	for _, item := range optional {
		if used+item.TokenEstimate <= available {
			kept = append(kept, item)
			used += item.TokenEstimate
		} else {
			dropped = append(dropped, item.SourceID)
		}
	}

	// Recent events keep newest-first within the remaining budget, but
	// render oldest-first.
	var recent []ChatMessage
	for i := len(state.Recent) - 1; i >= 0; i-- {
		cost := EstimateMessageTokens(state.Recent[i])
		if used+cost > available {
			dropped = append(dropped, fmt.Sprintf("recent:%d", i))
			continue
		}
		recent = append([]ChatMessage{state.Recent[i]}, recent...)
		used += cost
	}

	msgs := make([]ChatMessage, 0, len(required)+len(kept)+len(recent))
	for _, item := range required {
		msgs = append(msgs, item.ToPromptMessage())
	}
	for _, item := range kept {
		msgs = append(msgs, item.ToPromptMessage())
	}
	msgs = append(msgs, recent...)

	retry := false
	if len(dropped) > 0 {
		state.Summary = BuildRollingSummary(state.Summary, droppedContent(state, dropped))
		retry = true
	}

	return Assembly{
		Messages: msgs,
		Budget:   ComputeBudget(maxContext, maxOutput, used),
		Dropped:  dropped,
	}, retry
}

func droppedContent(state *ContextState, dropped []string) []string {
	bySource := make(map[string]string)
	for _, item := range state.Supplemental {
		bySource[item.SourceID] = item.Content
	}
	var out []string
	for _, id := range dropped {
		if c, ok := bySource[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// scoreItem ranks an optional item: class weight, pin bonus, recency
// bonus decaying by the minute, and query-term hits.
func scoreItem(item ContextItem, query string) int {
	score := priorityScores[item.Priority]
	if item.Pinned {
		score += pinnedBonus
	}
	age := int(time.Since(item.CreatedAt).Minutes())
	if bonus := maxRecencyBonus - age; bonus > 0 {
		score += bonus
	}
	score += relevanceBonus(item.Content, query)
	return score
}

// relevanceBonus counts query-token hits (3+ char tokens), capped at 40.
func relevanceBonus(content, query string) int {
	if query == "" {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if len(tok) < 3 {
			continue
		}
		if strings.Contains(lower, tok) {
			hits++
		}
	}
	bonus := hits * relevanceHitWeight
	if bonus > maxRelevanceBonus {
		bonus = maxRelevanceBonus
	}
	return bonus
}

// BuildRollingSummary folds dropped content into the rolling summary,
// keeping the tail within the size cap.
func BuildRollingSummary(existing string, dropped []string) string {
	parts := make([]string, 0, len(dropped)+2)
	if existing != "" {
		parts = append(parts, existing)
	}
	if len(dropped) > 0 {
		parts = append(parts, compactedLabel)
		parts = append(parts, dropped...)
	}
	merged := strings.Join(parts, "\n")
	if len(merged) > compactedMaxChars {
		cut := merged[len(merged)-compactedMaxChars:]
		// resync to a rune boundary so the cut never splits a multi-byte rune
		for len(cut) > 0 && !utf8.RuneStart(cut[0]) {
			cut = cut[1:]
		}
		merged = cut
	}
	return merged
}

func sortedByScanPath(items []ContextItem) []ContextItem {
	out := append([]ContextItem(nil), items...)
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func sortedBySource(items []ContextItem) []ContextItem {
	return sortedByScanPath(items)
}
