package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/pdfrag/apperr"
	"github.com/fabfab/pdfrag/knowledge"
	"github.com/fabfab/pdfrag/store"
	"github.com/fabfab/pdfrag/testutil"
)

type fakeIndex struct {
	matches []store.Match
	err     error
	queries []string
	ks      []int
}

func (f *fakeIndex) Retrieve(ctx context.Context, query string, k int) ([]store.Match, error) {
	f.queries = append(f.queries, query)
	f.ks = append(f.ks, k)
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

type fakeGraph struct {
	insights map[string]knowledge.Insight
	err      error
}

func (f fakeGraph) DocumentInsights(ctx context.Context, ids []string) (map[string]knowledge.Insight, error) {
	return f.insights, f.err
}

var taxMatch = store.Match{ChunkID: "c1", DocumentID: "tax-guide", Content: "The sales tax rate is 5%.", Score: 0.91}

func TestAskWithoutHistoryDoesNotRewrite(t *testing.T) {
	index := &fakeIndex{matches: []store.Match{taxMatch}}
	client := &testutil.LLM{Reply: func(string) (string, error) { return " The rate is 5%. ", nil }}
	r := NewRetriever(index, client, nil, Options{}, nil)
	session := NewSession(3)

	answer, err := r.Ask(context.Background(), session, "What is the sales tax rate?")
	require.NoError(t, err)

	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, []string{"What is the sales tax rate?"}, index.queries)
	assert.Equal(t, []int{1}, index.ks)
	assert.Equal(t, "The rate is 5%.", answer.Text)
	assert.Equal(t, "tax-guide", answer.Source)
	assert.Equal(t, OutcomeAnswered, answer.Outcome)
	assert.False(t, answer.Rewritten)
	assert.Contains(t, client.Prompts()[0], "<context>\nThe sales tax rate is 5%.\n</context>")

	turns := session.Recent()
	require.Len(t, turns, 2)
	assert.Equal(t, Turn{Role: "user", Content: "What is the sales tax rate?"}, turns[0])
	assert.Equal(t, "Reference Doc: tax-guide\nThe rate is 5%.", turns[1].Content)
}

func TestAskRewritesWithHistory(t *testing.T) {
	index := &fakeIndex{matches: []store.Match{taxMatch}}
	client := &testutil.LLM{Reply: func(prompt string) (string, error) {
		if strings.Contains(prompt, "generate a query") {
			return "What is the sales tax rate in 2024?", nil
		}
		return "5%", nil
	}}
	r := NewRetriever(index, client, nil, Options{TopK: 3}, nil)
	session := NewSession(3)
	session.Append(userTurn("Tell me about sales tax"), assistantTurn("tax-guide", "It applies to goods."))

	answer, err := r.Ask(context.Background(), session, "And in 2024?")
	require.NoError(t, err)

	require.Equal(t, 2, client.Calls())
	rewrite := client.Prompts()[0]
	assert.Contains(t, rewrite, "user: Tell me about sales tax")
	assert.Contains(t, rewrite, "<question>\nAnd in 2024?\n</question>")
	assert.Equal(t, []string{"What is the sales tax rate in 2024?"}, index.queries)
	assert.Equal(t, []int{3}, index.ks)
	assert.True(t, answer.Rewritten)
	assert.Equal(t, "What is the sales tax rate in 2024?", answer.Query)

	// Window 3 keeps only the last three turns.
	turns := session.Recent()
	require.Len(t, turns, 3)
	assert.Equal(t, "And in 2024?", turns[1].Content)
}

func TestAskHistoryDisabledSkipsRewrite(t *testing.T) {
	index := &fakeIndex{matches: []store.Match{taxMatch}}
	client := &testutil.LLM{}
	r := NewRetriever(index, client, nil, Options{}, nil)
	session := NewSession(3)
	session.Append(userTurn("earlier"), assistantTurn("x", "y"))
	session.SetUseHistory(false)

	_, err := r.Ask(context.Background(), session, "question")
	require.NoError(t, err)
	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, []string{"question"}, index.queries)
}

func TestAskEmptyRewriteFallsBackToQuestion(t *testing.T) {
	index := &fakeIndex{matches: []store.Match{taxMatch}}
	calls := 0
	client := &testutil.LLM{Reply: func(string) (string, error) {
		calls++
		if calls == 1 {
			return "   ", nil
		}
		return "answer", nil
	}}
	r := NewRetriever(index, client, nil, Options{}, nil)
	session := NewSession(2)
	session.Append(userTurn("hi"))

	answer, err := r.Ask(context.Background(), session, "rate?")
	require.NoError(t, err)
	assert.Equal(t, []string{"rate?"}, index.queries)
	assert.False(t, answer.Rewritten)
}

func TestAskEmptyIndexSkipsCompletion(t *testing.T) {
	client := &testutil.LLM{}
	r := NewRetriever(&fakeIndex{}, client, nil, Options{}, nil)
	session := NewSession(3)

	answer, err := r.Ask(context.Background(), session, "anything?")
	require.NoError(t, err)
	assert.Zero(t, client.Calls())
	assert.Equal(t, OutcomeNoInformation, answer.Outcome)
	assert.Equal(t, NoInformationReply, answer.Text)
	assert.Empty(t, answer.Source)
	assert.Len(t, session.Recent(), 2)
}

func TestAskSentinelReplyIsNoInformation(t *testing.T) {
	client := &testutil.LLM{Reply: func(string) (string, error) { return "I don't have information about that.", nil }}
	r := NewRetriever(&fakeIndex{matches: []store.Match{taxMatch}}, client, nil, Options{}, nil)

	answer, err := r.Ask(context.Background(), nil, "Who won the match?")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoInformation, answer.Outcome)
	assert.Equal(t, "tax-guide", answer.Source)
}

func TestAskErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewRetriever(&fakeIndex{}, &testutil.LLM{}, nil, Options{}, nil).Ask(ctx, nil, "  ")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	failing := &testutil.LLM{Reply: func(string) (string, error) { return "", errors.New("timeout") }}
	session := NewSession(3)
	_, err = NewRetriever(&fakeIndex{matches: []store.Match{taxMatch}}, failing, nil, Options{}, nil).Ask(ctx, session, "q")
	assert.ErrorIs(t, err, apperr.ErrCompletion)
	assert.Empty(t, session.Recent())

	blank := &testutil.LLM{Reply: func(string) (string, error) { return "\n", nil }}
	_, err = NewRetriever(&fakeIndex{matches: []store.Match{taxMatch}}, blank, nil, Options{}, nil).Ask(ctx, nil, "q")
	assert.ErrorIs(t, err, apperr.ErrCompletion)

	storageErr := apperr.Storage("retrieve context", "", errors.New("db down"))
	_, err = NewRetriever(&fakeIndex{err: storageErr}, &testutil.LLM{}, nil, Options{}, nil).Ask(ctx, nil, "q")
	assert.ErrorIs(t, err, storageErr)
}

func TestAskAttachesGraphInsights(t *testing.T) {
	graph := fakeGraph{insights: map[string]knowledge.Insight{
		"tax-guide": {ChunkCount: 4, Summarized: true},
	}}
	r := NewRetriever(&fakeIndex{matches: []store.Match{taxMatch}}, &testutil.LLM{}, graph, Options{}, nil)
	answer, err := r.Ask(context.Background(), nil, "q")
	require.NoError(t, err)
	assert.Equal(t, 4, answer.Sources[0].Insight.ChunkCount)

	r = NewRetriever(&fakeIndex{matches: []store.Match{taxMatch}}, &testutil.LLM{}, fakeGraph{err: errors.New("neo4j down")}, Options{}, nil)
	answer, err = r.Ask(context.Background(), nil, "q")
	require.NoError(t, err)
	assert.Zero(t, answer.Sources[0].Insight.ChunkCount)
}
