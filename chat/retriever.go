// Package chat answers questions against the embedding index, optionally
// rewriting them with the recent turns of an explicit Session.
package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/fabfab/pdfrag/apperr"
	"github.com/fabfab/pdfrag/llm"
	"github.com/fabfab/pdfrag/logger"
)

type Options struct {
	// TopK is the number of chunks placed in the answer prompt.
	TopK int
}

type Retriever struct {
	index  ContextIndex
	llm    llm.Client
	graph  GraphStore
	topK   int
	logger *logger.Logger
}

// NewRetriever builds a retriever. graph may be nil.
func NewRetriever(index ContextIndex, client llm.Client, graph GraphStore, opts Options, log *logger.Logger) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = 1
	}
	return &Retriever{
		index:  index,
		llm:    client,
		graph:  graph,
		topK:   opts.TopK,
		logger: logger.OrNop(log),
	}
}

// Ask answers question. When session is non-nil its recent turns drive the
// query rewrite and the answered exchange is appended to it.
func (r *Retriever) Ask(ctx context.Context, session *Session, question string) (Answer, error) {
	const op = "answer question"
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, apperr.InvalidInput(op, errors.New("question cannot be empty"))
	}

	var history []Turn
	if session != nil && session.UseHistory() {
		history = session.Recent()
	}
	historyText := formatHistory(history)

	answer := Answer{Query: question}
	if len(history) > 0 {
		rewritten, err := llm.Complete(ctx, r.llm, rewritePrompt(historyText, question))
		if err != nil {
			return Answer{}, apperr.Completion("rewrite question", "", err)
		}
		if rewritten != "" {
			answer.Query = rewritten
			answer.Rewritten = true
		}
		r.logger.Debug("question rewritten with history", "turns", len(history), "query", answer.Query)
	}

	matches, err := r.index.Retrieve(ctx, answer.Query, r.topK)
	if err != nil {
		return Answer{}, err
	}
	if len(matches) == 0 {
		r.logger.Info("no indexed chunks to answer from")
		answer.Text = NoInformationReply
		answer.Outcome = OutcomeNoInformation
		r.record(session, question, answer)
		return answer, nil
	}

	answer.Sources = make([]Source, 0, len(matches))
	for _, m := range matches {
		answer.Sources = append(answer.Sources, Source{
			DocumentID: m.DocumentID,
			ChunkID:    m.ChunkID,
			Snippet:    m.Content,
			Score:      m.Score,
		})
	}
	answer.Source = answer.Sources[0].DocumentID
	r.attachInsights(ctx, answer.Sources)

	reply, err := llm.Complete(ctx, r.llm, answerPrompt(historyText, buildContext(answer.Sources), question))
	if err != nil {
		return Answer{}, apperr.Completion(op, answer.Source, err)
	}
	if reply == "" {
		return Answer{}, apperr.Completion(op, answer.Source, errors.New("empty completion"))
	}

	answer.Text = reply
	answer.Outcome = OutcomeAnswered
	if isNoInformation(reply) {
		answer.Outcome = OutcomeNoInformation
	}
	r.record(session, question, answer)

	r.logger.Info("question answered",
		"source", answer.Source,
		"outcome", answer.Outcome,
		"rewritten", answer.Rewritten,
		"score", answer.Sources[0].Score,
	)
	return answer, nil
}

func (r *Retriever) record(session *Session, question string, answer Answer) {
	if session == nil {
		return
	}
	session.Append(userTurn(question), assistantTurn(answer.Source, answer.Text))
}

func (r *Retriever) attachInsights(ctx context.Context, sources []Source) {
	if r.graph == nil {
		return
	}
	ids := make([]string, 0, len(sources))
	seen := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		if _, ok := seen[s.DocumentID]; ok {
			continue
		}
		seen[s.DocumentID] = struct{}{}
		ids = append(ids, s.DocumentID)
	}
	insights, err := r.graph.DocumentInsights(ctx, ids)
	if err != nil {
		r.logger.Warn("graph insights unavailable", "error", err)
		return
	}
	for i := range sources {
		sources[i].Insight = insights[sources[i].DocumentID]
	}
}
