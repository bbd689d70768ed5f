package chat

import "strings"

// QuestionType selects the answer style for a document-chat question.
type QuestionType string

const (
	// Fact asks for a specific fact or piece of information.
	Fact QuestionType = "FACT"
	// Summary asks for a summary.
	Summary QuestionType = "SUMMARY"
	// Compare asks for a comparison.
	Compare QuestionType = "COMPARE"
	// Evidence asks for supporting evidence or sources.
	Evidence QuestionType = "EVIDENCE"
)

// ParseQuestionType maps raw classifier output to a QuestionType. Anything
// unrecognised is a Fact question.
func ParseQuestionType(s string) QuestionType {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.Trim(s, ".\"'`")
	switch qt := QuestionType(s); qt {
	case Fact, Summary, Compare, Evidence:
		return qt
	}
	return Fact
}

const classifyPrompt = `Classify the user's question into exactly one of these categories:

FACT: asks for a specific fact or piece of information
SUMMARY: asks for a summary
COMPARE: asks for a comparison
EVIDENCE: asks for supporting evidence or sources

Answer with the category name only.`

var answerPrompts = map[QuestionType]string{
	Fact: `You answer questions about the user's documents.
- Answer factually and precisely from the retrieved document excerpts.
- If the excerpts do not contain the answer, say that the documents do not cover it. Do not guess.
- Point to the excerpt your answer is based on.`,

	Summary: `You summarise the user's documents.
- Summarise the key content concisely and clearly.
- Keep important keywords and concepts.
- Structure the summary hierarchically, from topic to detail.`,

	Compare: `You compare content from the user's documents.
- State the similarities and differences between the compared items.
- Prefer a table or another structured format.
- Base the comparison on the excerpts only.`,

	Evidence: `You find evidence in the user's documents.
- Quote the concrete passages that support or contradict the claim.
- Mark which excerpt each quote comes from.
- Say so plainly when the evidence is insufficient.`,
}
