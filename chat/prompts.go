package chat

import (
	"strings"
	"unicode"
)

// NoInformationReply is the exact reply the model is told to give when the
// context does not answer the question.
const NoInformationReply = "I don't have information about that."

func rewritePrompt(history, question string) string {
	var sb strings.Builder
	sb.WriteString("Based on the chat history below and the question, generate a query that extends the question with the chat history provided. ")
	sb.WriteString("The query should be in natural language. Answer with only the query. Do not add any explanation.\n\n")
	sb.WriteString("<chat_history>\n")
	sb.WriteString(history)
	sb.WriteString("\n</chat_history>\n<question>\n")
	sb.WriteString(question)
	sb.WriteString("\n</question>\n")
	return sb.String()
}

func answerPrompt(history, context, question string) string {
	var sb strings.Builder
	sb.WriteString("You are an expert chat assistant that extracts information from the CONTEXT provided between <context> and </context> tags.\n")
	sb.WriteString("You offer a chat experience considering the information included in the CHAT HISTORY provided between <chat_history> and </chat_history> tags.\n")
	sb.WriteString("When answering the question contained between <question> and </question> tags be concise and do not hallucinate.\n")
	sb.WriteString("If the CONTEXT does not contain the answer, reply with exactly: " + NoInformationReply + "\n\n")
	sb.WriteString("Do not answer any question outside the CONTEXT.\n")
	sb.WriteString("Do not mention the CONTEXT used in your answer.\n")
	sb.WriteString("Do not mention the CHAT HISTORY used in your answer.\n\n")
	sb.WriteString("<chat_history>\n")
	sb.WriteString(history)
	sb.WriteString("\n</chat_history>\n<context>\n")
	sb.WriteString(context)
	sb.WriteString("\n</context>\n<question>\n")
	sb.WriteString(question)
	sb.WriteString("\n</question>\nAnswer:\n")
	return sb.String()
}

func buildContext(sources []Source) string {
	parts := make([]string, 0, len(sources))
	for _, s := range sources {
		parts = append(parts, strings.TrimSpace(s.Snippet))
	}
	return strings.Join(parts, "\n\n")
}

// isNoInformation reports whether reply is the no-information sentinel,
// ignoring case, surrounding whitespace and trailing punctuation.
func isNoInformation(reply string) bool {
	clean := func(s string) string {
		s = strings.TrimSpace(s)
		s = strings.TrimRightFunc(s, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSpace(r) })
		s = strings.NewReplacer("’", "'", "‘", "'").Replace(s)
		return strings.ToLower(s)
	}
	return clean(reply) == clean(NoInformationReply)
}
