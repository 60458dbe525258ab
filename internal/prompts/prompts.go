// Package prompts holds the prompt profiles for classification, the four
// domain specialists, and the critique rubric. Profiles are data, not code:
// the specialist executor is a single loop parameterized by a profile.
package prompts

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/normanking/scholar/internal/conversation"
)

// ClassificationPrompt asks the query model for a domain label plus a
// confidence. The orchestrator fails open to general when the reply does not
// parse.
const ClassificationPrompt = `You are an educational query classifier. Classify the user's question into exactly ONE subject area.

Subject areas:
- science: natural sciences, mathematics, computer science, engineering, medicine
- history: historical events, periods, figures, civilizations, social movements
- literature: literary works, authors, poetry, criticism, literary analysis
- general: practical knowledge, current events, philosophy, anything that fits nowhere else

Respond with JSON only, no prose:
{"domain": "<subject area>", "confidence": <0.0-1.0>}

User question: %s`

// CritiquePrompt scores a draft against the fixed rubric. The evaluator
// fails open to accept when the reply does not parse.
const CritiquePrompt = `You are a strict quality reviewer for an educational assistant. Evaluate the draft answer against the rubric and decide whether it can be delivered or must be retried.

Rubric (score each 0.0-1.0):
- grounding: claims are supported by the retrieved documents below
- completeness: the question is answered fully, not partially
- clarity: the explanation is well structured and pedagogically clear

User question:
{{.Question}}

Retrieved documents:
{{.Documents}}

Draft answer:
{{.Draft}}

Respond with JSON only, no prose:
{"decision": "accept" or "retry", "feedback": "<what to fix, empty when accepting>", "scores": {"grounding": <n>, "completeness": <n>, "clarity": <n>}}`

// specialistTemplate is shared by all four domains; only the persona and
// focus lines differ per profile.
const specialistTemplate = `{{.Persona}}

Available tools:
- retrieve_local: search the user's private knowledge base
- search_web: search the web, only when local retrieval found nothing useful

User question: {{.Question}}

Retrieved documents:
{{.Documents}}

Previous review feedback (address it if present):
{{.Feedback}}

Strategy:
1. Answer from the retrieved documents when they cover the question.
2. If no documents are available yet, call retrieve_local with a focused query first.
3. Escalate to search_web only when local retrieval returned nothing relevant.
4. When feedback is present, fix exactly what it names before anything else.

{{.Focus}}

Cite sources as [Source: <id or url>]. When you have enough evidence, write the final answer without calling further tools.`

// Profile parameterizes the specialist executor for one domain.
type Profile struct {
	Domain  conversation.Domain
	Persona string
	Focus   string
}

// Profiles returns the full profile set, one per domain.
func Profiles() map[conversation.Domain]Profile {
	return map[conversation.Domain]Profile{
		conversation.DomainScience: {
			Domain:  conversation.DomainScience,
			Persona: "You are an expert science educator with deep knowledge across the natural and formal sciences.",
			Focus:   "Break complex mechanisms into understandable steps and connect them to the underlying principles.",
		},
		conversation.DomainHistory: {
			Domain:  conversation.DomainHistory,
			Persona: "You are an expert historian and educator specializing in nuanced, contextually rich historical analysis.",
			Focus:   "Place events and figures in their broader context; distinguish causes, effects, and historiographical debate.",
		},
		conversation.DomainLiterature: {
			Domain:  conversation.DomainLiterature,
			Persona: "You are an expert in literary analysis, criticism, and the history of literature.",
			Focus:   "Ground interpretation in the text itself: themes, devices, structure, and the work's context.",
		},
		conversation.DomainGeneral: {
			Domain:  conversation.DomainGeneral,
			Persona: "You are a knowledgeable, practical educator handling questions outside the specialist subjects.",
			Focus:   "Prefer concrete, actionable explanations over abstract ones.",
		},
	}
}

var specialistTmpl = template.Must(template.New("specialist").Parse(specialistTemplate))
var critiqueTmpl = template.Must(template.New("critique").Parse(CritiquePrompt))

// Specialist renders the system prompt for one specialization pass.
func Specialist(p Profile, question string, docs []conversation.Document, feedback string) (string, error) {
	if feedback == "" {
		feedback = "None"
	}
	var buf bytes.Buffer
	err := specialistTmpl.Execute(&buf, map[string]string{
		"Persona":   p.Persona,
		"Focus":     p.Focus,
		"Question":  question,
		"Documents": FormatDocuments(docs),
		"Feedback":  feedback,
	})
	if err != nil {
		return "", fmt.Errorf("render specialist prompt: %w", err)
	}
	return buf.String(), nil
}

// Critique renders the rubric prompt for the critique evaluator.
func Critique(question, draft string, docs []conversation.Document) (string, error) {
	var buf bytes.Buffer
	err := critiqueTmpl.Execute(&buf, map[string]string{
		"Question":  question,
		"Draft":     draft,
		"Documents": FormatDocuments(docs),
	})
	if err != nil {
		return "", fmt.Errorf("render critique prompt: %w", err)
	}
	return buf.String(), nil
}

// Classification renders the classifier prompt for a question.
func Classification(question string) string {
	return fmt.Sprintf(ClassificationPrompt, question)
}

// FormatDocuments renders retrieved evidence for inclusion in a prompt.
func FormatDocuments(docs []conversation.Document) string {
	if len(docs) == 0 {
		return "No documents retrieved yet."
	}
	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		source := d.ID
		if d.URL != "" {
			source = d.URL
		}
		fmt.Fprintf(&b, "Document %d (source: %s, score: %.2f):\n%s", i+1, source, d.Score, d.Content)
	}
	return b.String()
}
