package summary

import (
	"fmt"
	"strings"

	"github.com/Laisky/research-aggregator/library/search"
)

// Summary styles.
const (
	TypeComprehensive = "comprehensive"
	TypeBrief         = "brief"
	TypeTechnical     = "technical"
)

var typeInstructions = map[string]string{
	TypeComprehensive: "Write a comprehensive research summary of the topic. Cover the main findings, " +
		"points of agreement and disagreement between sources, and open questions.",
	TypeBrief:     "Write a brief summary of the topic in at most five sentences.",
	TypeTechnical: "Write a technical summary of the topic aimed at practitioners. Focus on methods, results and limitations.",
}

// SystemInstructions frames every generation request.
const SystemInstructions = "You are a research assistant. You summarize papers, community discussions " +
	"and search trends faithfully and never invent sources."

const simplifyInstruction = "Explain the topic as if to a curious ten year old. Use short sentences, " +
	"everyday words and at most one analogy."

const groundingInstruction = "Use only the numbered context below. Cite sources inline as [n]. " +
	"If the context does not cover something, say so instead of guessing."

// NormalizeType returns the canonical summary type, defaulting to comprehensive.
func NormalizeType(raw string) (string, error) {
	summaryType := strings.ToLower(strings.TrimSpace(raw))
	if summaryType == "" {
		return TypeComprehensive, nil
	}
	if _, ok := typeInstructions[summaryType]; !ok {
		return "", search.NewConfigurationError("unknown summary type %q", raw)
	}
	return summaryType, nil
}

// buildPrompt renders the instruction and the numbered context lines.
func buildPrompt(instruction, query string, corpus []search.CanonicalRecord, excerptChars int) string {
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n")
	b.WriteString(groundingInstruction)
	b.WriteString("\n\nTopic: ")
	b.WriteString(query)
	b.WriteString("\n\nContext:\n")
	for i, record := range corpus {
		fmt.Fprintf(&b, "[%d] (%s) %s", i+1, record.Provider, record.Title)
		if record.Body != nil {
			fmt.Fprintf(&b, ": %s", excerpt(*record.Body, excerptChars))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// excerpt cuts text to at most limit runes on a word boundary when possible.
func excerpt(text string, limit int) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	cut := string(runes[:limit])
	if idx := strings.LastIndexByte(cut, ' '); idx > limit/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
