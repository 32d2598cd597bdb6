// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlexica/ipcounsel/services/counsel/memory"
	"github.com/openlexica/ipcounsel/services/counsel/prompts"
	"github.com/openlexica/ipcounsel/services/counsel/retrieval"
	"github.com/openlexica/ipcounsel/services/llm"
)

// =============================================================================
// Test Setup
// =============================================================================

// MockLLMClient implements llm.LLMClient with scripted per-call responses.
//
// Each Generate call consumes the next entry of Responses and Errors (a
// short script runs out into empty responses). Prompts records every
// prompt received, in order.
type MockLLMClient struct {
	Responses []string
	Errors    []error
	Prompts   []string
}

func (m *MockLLMClient) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	call := len(m.Prompts)
	m.Prompts = append(m.Prompts, prompt)

	var resp string
	if call < len(m.Responses) {
		resp = m.Responses[call]
	}
	var err error
	if call < len(m.Errors) {
		err = m.Errors[call]
	}
	return resp, err
}

// MockRetriever implements retrieval.Retriever for testing.
type MockRetriever struct {
	// RetrieverName is returned by Name
	RetrieverName string
	// Passages are returned by every Retrieve call
	Passages []retrieval.Passage
	// RetrieveError is returned by every Retrieve call
	RetrieveError error
	// RetrieveCallCount tracks how many times Retrieve was called
	RetrieveCallCount int
	// LastQuery and LastK store the last Retrieve arguments
	LastQuery string
	LastK     int
}

func (m *MockRetriever) Name() string { return m.RetrieverName }

func (m *MockRetriever) Retrieve(ctx context.Context, query string, k int) ([]retrieval.Passage, error) {
	m.RetrieveCallCount++
	m.LastQuery = query
	m.LastK = k
	return m.Passages, m.RetrieveError
}

func somePassages() []retrieval.Passage {
	return []retrieval.Passage{
		{Content: "Whoever cheats shall be punished.", Source: "ipc_1860.pdf", Page: 88, Score: 0.93},
		{Content: "Definition of cheating.", Source: "ipc_1860.pdf", Page: 87, Score: 0.90},
	}
}

// testPrompts returns a store with recognizable templates so assertions
// can pin down exactly what each stage sent to the model.
func testPrompts(t *testing.T) *prompts.Store {
	t.Helper()
	return prompts.Parse(
		"--CONDENSE--\n" +
			"HISTORY[{history}] FOLLOWUP[{followup}]\n" +
			"--END--\n" +
			"--SYNTH--\n" +
			"Q[{question}] A[{a1}] B[{a2}]\n" +
			"--END--\n")
}

func newTestPipeline(t *testing.T, mockLLM *MockLLMClient, a, b *MockRetriever) *Pipeline {
	t.Helper()
	return New(testPrompts(t), memory.New(), a, b, mockLLM)
}

// =============================================================================
// Ask Tests
// =============================================================================

// TestAsk_HappyPath verifies the full stage sequence: condense, both
// retrieval-QA stages on the condensed query, synthesis, memory commit.
func TestAsk_HappyPath(t *testing.T) {
	mockLLM := &MockLLMClient{
		Responses: []string{
			"What does Section 420 of the IPC punish?", // condense
			"answer from partition A",                  // retrieveA
			"answer from partition B",                  // retrieveB
			"the merged final answer",                  // synthesize
		},
	}
	retrieverA := &MockRetriever{RetrieverName: "weaviate", Passages: somePassages()}
	retrieverB := &MockRetriever{RetrieverName: "pgvector", Passages: somePassages()}
	p := newTestPipeline(t, mockLLM, retrieverA, retrieverB)

	state, err := p.Ask(context.Background(), "What does it punish?")
	require.NoError(t, err)

	assert.Equal(t, "What does it punish?", state.Query)
	assert.Equal(t, "What does Section 420 of the IPC punish?", state.StandaloneQuery)
	assert.Equal(t, "answer from partition A", state.AnswerA)
	assert.Equal(t, "answer from partition B", state.AnswerB)
	assert.Equal(t, "the merged final answer", state.Final)
	assert.False(t, state.Degraded)

	// Both retrievers searched with the condensed query at the fixed width.
	assert.Equal(t, "What does Section 420 of the IPC punish?", retrieverA.LastQuery)
	assert.Equal(t, "What does Section 420 of the IPC punish?", retrieverB.LastQuery)
	assert.Equal(t, RetrievalTopK, retrieverA.LastK)
	assert.Equal(t, RetrievalTopK, retrieverB.LastK)

	// The turn was committed as a user/assistant pair.
	turns := p.Memory().History()
	require.Len(t, turns, 2)
	assert.Equal(t, "What does it punish?", turns[0].Text)
	assert.Equal(t, "the merged final answer", turns[1].Text)
}

// TestAsk_HistoryReachesCondense verifies that earlier turns are rendered
// into the condense prompt, so a follow-up like "what does it punish?"
// can be resolved against "Section 420" from the previous turn.
func TestAsk_HistoryReachesCondense(t *testing.T) {
	mockLLM := &MockLLMClient{
		Responses: []string{"standalone", "a", "b", "final"},
	}
	retrieverA := &MockRetriever{RetrieverName: "weaviate", Passages: somePassages()}
	retrieverB := &MockRetriever{RetrieverName: "pgvector", Passages: somePassages()}
	p := newTestPipeline(t, mockLLM, retrieverA, retrieverB)

	require.NoError(t, p.Memory().Commit(context.Background(),
		"Tell me about Section 420.", "Section 420 covers cheating."))

	_, err := p.Ask(context.Background(), "What does it punish?")
	require.NoError(t, err)

	require.NotEmpty(t, mockLLM.Prompts)
	condensePrompt := mockLLM.Prompts[0]
	assert.Contains(t, condensePrompt, "User: Tell me about Section 420.")
	assert.Contains(t, condensePrompt, "Assistant: Section 420 covers cheating.")
	assert.Contains(t, condensePrompt, "FOLLOWUP[What does it punish?]")
}

// TestAsk_EmptyQueryRejected verifies that a blank query fails before any
// stage runs.
func TestAsk_EmptyQueryRejected(t *testing.T) {
	mockLLM := &MockLLMClient{}
	retrieverA := &MockRetriever{RetrieverName: "weaviate"}
	retrieverB := &MockRetriever{RetrieverName: "pgvector"}
	p := newTestPipeline(t, mockLLM, retrieverA, retrieverB)

	_, err := p.Ask(context.Background(), "   ")
	assert.Error(t, err)
	assert.Empty(t, mockLLM.Prompts)
	assert.Zero(t, retrieverA.RetrieveCallCount)
}

// =============================================================================
// Condense Degradation Tests
// =============================================================================

// TestAsk_CondenseErrorDegrades verifies that a condense completion error
// never fails the turn: the verbatim query is used downstream.
func TestAsk_CondenseErrorDegrades(t *testing.T) {
	mockLLM := &MockLLMClient{
		Responses: []string{"", "a", "b", "final"},
		Errors:    []error{errors.New("model overloaded"), nil, nil, nil},
	}
	retrieverA := &MockRetriever{RetrieverName: "weaviate", Passages: somePassages()}
	retrieverB := &MockRetriever{RetrieverName: "pgvector", Passages: somePassages()}
	p := newTestPipeline(t, mockLLM, retrieverA, retrieverB)

	state, err := p.Ask(context.Background(), "What is Section 302?")
	require.NoError(t, err)

	assert.True(t, state.Degraded)
	assert.Equal(t, "What is Section 302?", state.StandaloneQuery)
	assert.Equal(t, "What is Section 302?", retrieverA.LastQuery)
	assert.Equal(t, "final", state.Final)
}

// TestAsk_CondenseEmptyOutputDegrades verifies that a whitespace-only
// rewrite falls back to the verbatim query.
func TestAsk_CondenseEmptyOutputDegrades(t *testing.T) {
	mockLLM := &MockLLMClient{
		Responses: []string{"   \n", "a", "b", "final"},
	}
	retrieverA := &MockRetriever{RetrieverName: "weaviate", Passages: somePassages()}
	retrieverB := &MockRetriever{RetrieverName: "pgvector", Passages: somePassages()}
	p := newTestPipeline(t, mockLLM, retrieverA, retrieverB)

	state, err := p.Ask(context.Background(), "What is Section 302?")
	require.NoError(t, err)

	assert.True(t, state.Degraded)
	assert.Equal(t, "What is Section 302?", retrieverB.LastQuery)
}

// =============================================================================
// Failure Propagation Tests
// =============================================================================

// TestAsk_RetrievalFailureFailsTurn verifies that an unavailable index
// fails the whole turn, keeps its typed error, and leaves memory untouched.
func TestAsk_RetrievalFailureFailsTurn(t *testing.T) {
	indexErr := &retrieval.UnavailableError{Index: "weaviate", Err: errors.New("connection refused")}
	mockLLM := &MockLLMClient{Responses: []string{"standalone"}}
	retrieverA := &MockRetriever{RetrieverName: "weaviate", RetrieveError: indexErr}
	retrieverB := &MockRetriever{RetrieverName: "pgvector", Passages: somePassages()}
	p := newTestPipeline(t, mockLLM, retrieverA, retrieverB)

	_, err := p.Ask(context.Background(), "What is Section 302?")
	require.Error(t, err)
	assert.True(t, retrieval.IsUnavailable(err))

	// Partition B never ran and the memory was not mutated.
	assert.Zero(t, retrieverB.RetrieveCallCount)
	assert.Zero(t, p.Memory().Len())
}

// TestAsk_SecondRetrievalFailureFailsTurn verifies the same policy for the
// partition B stage.
func TestAsk_SecondRetrievalFailureFailsTurn(t *testing.T) {
	mockLLM := &MockLLMClient{Responses: []string{"standalone", "a"}}
	retrieverA := &MockRetriever{RetrieverName: "weaviate", Passages: somePassages()}
	retrieverB := &MockRetriever{
		RetrieverName: "pgvector",
		RetrieveError: &retrieval.UnavailableError{Index: "pgvector", Err: errors.New("pool closed")},
	}
	p := newTestPipeline(t, mockLLM, retrieverA, retrieverB)

	_, err := p.Ask(context.Background(), "What is Section 302?")
	require.Error(t, err)
	assert.True(t, retrieval.IsUnavailable(err))
	assert.Zero(t, p.Memory().Len())
}

// TestAsk_QACompletionFailureFailsTurn verifies that a completion error in
// a retrieval-QA stage surfaces as a CompletionError naming the stage.
func TestAsk_QACompletionFailureFailsTurn(t *testing.T) {
	mockLLM := &MockLLMClient{
		Responses: []string{"standalone", ""},
		Errors:    []error{nil, errors.New("model overloaded")},
	}
	retrieverA := &MockRetriever{RetrieverName: "weaviate", Passages: somePassages()}
	retrieverB := &MockRetriever{RetrieverName: "pgvector", Passages: somePassages()}
	p := newTestPipeline(t, mockLLM, retrieverA, retrieverB)

	_, err := p.Ask(context.Background(), "What is Section 302?")
	require.Error(t, err)
	assert.True(t, IsCompletionFailure(err))

	var ce *CompletionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "retrieveA", ce.Stage)
	assert.Zero(t, p.Memory().Len())
}

// TestAsk_SynthesisFailureFailsTurn verifies that a synthesis completion
// error fails the turn without committing anything.
func TestAsk_SynthesisFailureFailsTurn(t *testing.T) {
	mockLLM := &MockLLMClient{
		Responses: []string{"standalone", "a", "b", ""},
		Errors:    []error{nil, nil, nil, errors.New("model overloaded")},
	}
	retrieverA := &MockRetriever{RetrieverName: "weaviate", Passages: somePassages()}
	retrieverB := &MockRetriever{RetrieverName: "pgvector", Passages: somePassages()}
	p := newTestPipeline(t, mockLLM, retrieverA, retrieverB)

	_, err := p.Ask(context.Background(), "What is Section 302?")
	require.Error(t, err)

	var ce *CompletionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "synthesize", ce.Stage)
	assert.Zero(t, p.Memory().Len())
}

// TestAsk_MemoryCommitFailureAbsorbed verifies that a failing persistence
// sink does not fail the turn: the answer is still returned and the pair
// is still in the in-process log.
func TestAsk_MemoryCommitFailureAbsorbed(t *testing.T) {
	mockLLM := &MockLLMClient{
		Responses: []string{"standalone", "a", "b", "final"},
	}
	retrieverA := &MockRetriever{RetrieverName: "weaviate", Passages: somePassages()}
	retrieverB := &MockRetriever{RetrieverName: "pgvector", Passages: somePassages()}

	mem := memory.NewWithSink(failingSink{})
	p := New(testPrompts(t), mem, retrieverA, retrieverB, mockLLM)

	state, err := p.Ask(context.Background(), "What is Section 302?")
	require.NoError(t, err)
	assert.Equal(t, "final", state.Final)
	assert.Equal(t, 2, mem.Len())
}

type failingSink struct{}

func (failingSink) Persist(ctx context.Context, question, answer string) error {
	return errors.New("weaviate down")
}

// =============================================================================
// Prompt Construction Tests
// =============================================================================

// TestAsk_QAPromptStuffsPassages verifies that the retrieval-QA prompt
// contains each retrieved passage with its source and page.
func TestAsk_QAPromptStuffsPassages(t *testing.T) {
	mockLLM := &MockLLMClient{
		Responses: []string{"standalone", "a", "b", "final"},
	}
	retrieverA := &MockRetriever{RetrieverName: "weaviate", Passages: somePassages()}
	retrieverB := &MockRetriever{RetrieverName: "pgvector", Passages: somePassages()}
	p := newTestPipeline(t, mockLLM, retrieverA, retrieverB)

	_, err := p.Ask(context.Background(), "What is cheating?")
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(mockLLM.Prompts), 3)
	qaPrompt := mockLLM.Prompts[1]
	assert.Contains(t, qaPrompt, "[ipc_1860.pdf, page 88]")
	assert.Contains(t, qaPrompt, "Whoever cheats shall be punished.")
	assert.Contains(t, qaPrompt, "Question: standalone")
}

// TestAsk_SynthPromptCarriesBothAnswers verifies that the synthesis prompt
// renders both partition answers into the template slots.
func TestAsk_SynthPromptCarriesBothAnswers(t *testing.T) {
	mockLLM := &MockLLMClient{
		Responses: []string{"standalone", "partition A says X", "partition B says Y", "final"},
	}
	retrieverA := &MockRetriever{RetrieverName: "weaviate", Passages: somePassages()}
	retrieverB := &MockRetriever{RetrieverName: "pgvector", Passages: somePassages()}
	p := newTestPipeline(t, mockLLM, retrieverA, retrieverB)

	_, err := p.Ask(context.Background(), "What is cheating?")
	require.NoError(t, err)

	require.Len(t, mockLLM.Prompts, 4)
	synthPrompt := mockLLM.Prompts[3]
	assert.Contains(t, synthPrompt, "Q[standalone]")
	assert.Contains(t, synthPrompt, "A[partition A says X]")
	assert.Contains(t, synthPrompt, "B[partition B says Y]")
}

// TestAsk_MissingTemplatesUseDefaults verifies that an empty prompt store
// falls back to the built-in templates instead of failing.
func TestAsk_MissingTemplatesUseDefaults(t *testing.T) {
	mockLLM := &MockLLMClient{
		Responses: []string{"standalone", "a", "b", "final"},
	}
	retrieverA := &MockRetriever{RetrieverName: "weaviate", Passages: somePassages()}
	retrieverB := &MockRetriever{RetrieverName: "pgvector", Passages: somePassages()}
	p := New(prompts.Parse(""), memory.New(), retrieverA, retrieverB, mockLLM)

	state, err := p.Ask(context.Background(), "What is cheating?")
	require.NoError(t, err)
	assert.Equal(t, "final", state.Final)

	condensePrompt := mockLLM.Prompts[0]
	assert.True(t, strings.HasPrefix(condensePrompt, "Rewrite as standalone:"))
}
