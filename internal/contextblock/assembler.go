// Package contextblock assembles the per-request context package handed to
// an agent turn: recent L1 turns, top-CIAR L2 facts (with standing orders
// broken out separately), L3 episode summaries by similarity, and L4
// knowledge snippets by full-text search, truncated to a token budget.
package contextblock

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/intelligencedev/memoryd/internal/model"
	"github.com/intelligencedev/memoryd/internal/tiers/l1"
	"github.com/intelligencedev/memoryd/internal/tiers/l2"
	"github.com/intelligencedev/memoryd/internal/tiers/l3"
	"github.com/intelligencedev/memoryd/internal/tiers/l4"
)

// maxStandingOrders is the cap on rendered standing orders per context
// block, even when more distinct topics survive supersession.
const maxStandingOrders = 5

// minRetainedTurns is the floor the truncation pass will never cut below,
// even when over budget, so a session never loses all conversational
// continuity.
const minRetainedTurns = 10

// approxCharsPerToken is a coarse token estimate (no tokenizer dependency
// exists anywhere in the pack for this purpose) used only to decide how
// aggressively to truncate, not to bill usage.
const approxCharsPerToken = 4

// Input parameterizes one assembly request.
type Input struct {
	SessionID   string
	Query       string // free-text query driving L3/L4 retrieval, e.g. the latest user turn
	QueryVector []float32
	MinCIAR     float64
	MaxTurns    int
	MaxFacts    int
	TokenBudget int
}

// Assembler builds ContextBlocks from the four tiers.
type Assembler struct {
	l1 *l1.Tier
	l2 *l2.Tier
	l3 *l3.Tier
	l4 *l4.Tier
}

// New returns an Assembler reading from the given tiers.
func New(t1 *l1.Tier, t2 *l2.Tier, t3 *l3.Tier, t4 *l4.Tier) *Assembler {
	return &Assembler{l1: t1, l2: t2, l3: t3, l4: t4}
}

// Assemble builds a ContextBlock for in.
func (a *Assembler) Assemble(ctx context.Context, in Input) (model.ContextBlock, error) {
	if in.MaxTurns <= 0 {
		in.MaxTurns = 10
	}
	if in.MaxFacts <= 0 {
		in.MaxFacts = 20
	}
	if in.TokenBudget <= 0 {
		in.TokenBudget = 4000
	}

	turns, err := a.l1.RetrieveSession(ctx, in.SessionID, l1.OldestFirst)
	if err != nil {
		return model.ContextBlock{}, err
	}
	if len(turns) > in.MaxTurns {
		turns = turns[len(turns)-in.MaxTurns:]
	}

	facts, err := a.l2.QueryBySession(ctx, in.SessionID, in.MaxFacts)
	if err != nil {
		return model.ContextBlock{}, err
	}
	significant, standing := splitStandingOrders(facts, in.MinCIAR)

	var episodeSummaries []string
	if len(in.QueryVector) > 0 {
		hits, err := a.l3.SearchSimilar(ctx, in.QueryVector, 5, in.SessionID)
		if err != nil {
			return model.ContextBlock{}, err
		}
		for _, h := range hits {
			if summary, ok := h.Metadata["summary"]; ok {
				episodeSummaries = append(episodeSummaries, summary)
			}
		}
	}

	var knowledgeSnippets []string
	if in.Query != "" {
		docs, err := a.l4.Search(ctx, in.Query, "", false, 5)
		if err != nil {
			return model.ContextBlock{}, err
		}
		for _, d := range docs {
			knowledgeSnippets = append(knowledgeSnippets, d.Content)
		}
	}

	block := model.ContextBlock{
		SessionID:         in.SessionID,
		RecentTurns:       turns,
		SignificantFacts:  significant,
		StandingOrders:    standing,
		EpisodeSummaries:  episodeSummaries,
		KnowledgeSnippets: knowledgeSnippets,
		AssembledAt:       time.Now().UTC(),
	}
	truncateToBudget(&block, in.TokenBudget)
	return block, nil
}

// splitStandingOrders separates instruction-type facts (standing orders)
// from general significant facts, since the former must never be silently
// dropped by truncation. Standing orders are further reduced to the
// "latest wins per topic" set: newest first, one per normalized topic key,
// capped at maxStandingOrders (spec.md's resolved standing-order selection
// rule — the latest instruction on a topic supersedes earlier ones on the
// same topic rather than accumulating forever).
func splitStandingOrders(facts []model.Fact, minCIAR float64) (significant, standing []model.Fact) {
	var instructions []model.Fact
	for _, f := range facts {
		if f.CIARScore < minCIAR {
			continue
		}
		if f.FactType == model.FactInstruction {
			instructions = append(instructions, f)
			continue
		}
		significant = append(significant, f)
	}
	standing = latestPerTopic(instructions)
	return significant, standing
}

// latestPerTopic sorts instructions newest-first and keeps only the first
// (i.e. newest) instruction seen for each normalized topic key, capped at
// maxStandingOrders.
func latestPerTopic(instructions []model.Fact) []model.Fact {
	sorted := append([]model.Fact(nil), instructions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ExtractedAt.After(sorted[j].ExtractedAt)
	})
	seen := make(map[string]bool, len(sorted))
	out := make([]model.Fact, 0, maxStandingOrders)
	for _, f := range sorted {
		key := topicKey(f.Content)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
		if len(out) == maxStandingOrders {
			break
		}
	}
	return out
}

// topicKey approximates a standing order's topic by its normalized first
// clause, so "call me Alex" and "call me Alex, not Mr. Smith" supersede one
// another while unrelated instructions don't collide.
func topicKey(content string) string {
	clause := content
	if i := strings.IndexAny(content, ".,;\n"); i >= 0 {
		clause = content[:i]
	}
	return strings.Join(strings.Fields(strings.ToLower(clause)), " ")
}

// truncateToBudget drops the oldest recent turns, down to minRetainedTurns,
// until block's estimated size fits budget tokens. Facts, standing orders,
// episode summaries, and knowledge snippets are never dropped by this pass:
// they are already capped upstream by MaxFacts/top-k retrieval.
func truncateToBudget(block *model.ContextBlock, budget int) {
	for estimateTokens(*block) > budget && len(block.RecentTurns) > minRetainedTurns {
		block.RecentTurns = block.RecentTurns[1:]
	}
	block.EstimatedTokens = estimateTokens(*block)
}

func estimateTokens(block model.ContextBlock) int {
	chars := 0
	for _, t := range block.RecentTurns {
		chars += len(t.Content)
	}
	for _, f := range block.SignificantFacts {
		chars += len(f.Content)
	}
	for _, f := range block.StandingOrders {
		chars += len(f.Content)
	}
	for _, s := range block.EpisodeSummaries {
		chars += len(s)
	}
	for _, s := range block.KnowledgeSnippets {
		chars += len(s)
	}
	return chars / approxCharsPerToken
}
