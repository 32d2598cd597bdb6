// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline runs one conversation turn through the fixed stage
// sequence: condense, retrieve partition A, retrieve partition B,
// synthesize. The stages never branch and never loop; a turn runs to
// completion or fails outright.
//
// Failure policy per stage:
//   - Condense degrades to the verbatim query and never fails the turn.
//   - Either retrieval-QA stage failing fails the whole turn; the shared
//     memory is not touched.
//   - Synthesis failing fails the turn (there is no answer to return).
//   - A memory-commit failure after synthesis is logged and absorbed; the
//     already-computed answer is still returned.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openlexica/ipcounsel/services/counsel/memory"
	"github.com/openlexica/ipcounsel/services/counsel/prompts"
	"github.com/openlexica/ipcounsel/services/counsel/retrieval"
	"github.com/openlexica/ipcounsel/services/llm"
)

var pipelineTracer = otel.Tracer("ipcounsel.counsel.pipeline")

// RetrievalTopK is the fixed fan-out width per retriever.
const RetrievalTopK = 4

// Built-in fallbacks used when the prompt file did not provide a block.
const (
	defaultCondenseTemplate = "Rewrite as standalone: {followup}"
	defaultSynthTemplate    = "Merge A and B.\nA:{a1}\nB:{a2}\nFinal:"
)

// TurnState is the per-turn scratch record threaded through the stages.
// Each field is written by exactly one stage and never overwritten.
type TurnState struct {
	// Query is the user's original text, set before the first stage.
	Query string

	// StandaloneQuery is the condensed, history-free rewrite of Query.
	StandaloneQuery string

	// AnswerA and AnswerB are the per-partition retrieval-QA answers.
	AnswerA string
	AnswerB string

	// Final is the synthesized answer committed to memory.
	Final string

	// Degraded records that condensation fell back to the verbatim query.
	Degraded bool
}

// Pipeline owns the stage sequence and the shared conversation memory.
// All dependencies are injected; the struct itself is stateless between
// turns and safe for concurrent Ask calls.
type Pipeline struct {
	prompts    *prompts.Store
	memory     *memory.ConversationMemory
	retrieverA retrieval.Retriever
	retrieverB retrieval.Retriever
	llmClient  llm.LLMClient
}

func New(
	store *prompts.Store,
	mem *memory.ConversationMemory,
	retrieverA retrieval.Retriever,
	retrieverB retrieval.Retriever,
	llmClient llm.LLMClient,
) *Pipeline {
	return &Pipeline{
		prompts:    store,
		memory:     mem,
		retrieverA: retrieverA,
		retrieverB: retrieverB,
		llmClient:  llmClient,
	}
}

// Memory exposes the shared conversation log for the history endpoint.
func (p *Pipeline) Memory() *memory.ConversationMemory {
	return p.memory
}

// Ask processes one user turn end-to-end and returns the completed turn
// state. On error no answer exists and the conversation memory has not been
// mutated for this turn.
func (p *Pipeline) Ask(ctx context.Context, query string) (*TurnState, error) {
	ctx, span := pipelineTracer.Start(ctx, "Pipeline.Ask")
	defer span.End()

	if strings.TrimSpace(query) == "" {
		err := fmt.Errorf("empty query")
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty query")
		return nil, err
	}

	state := &TurnState{Query: query}

	p.condense(ctx, state)

	answerA, err := p.retrieveQA(ctx, "retrieveA", p.retrieverA, state.retrievalQuery())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partition A failed")
		return nil, err
	}
	state.AnswerA = answerA

	answerB, err := p.retrieveQA(ctx, "retrieveB", p.retrieverB, state.retrievalQuery())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partition B failed")
		return nil, err
	}
	state.AnswerB = answerB

	if err := p.synthesize(ctx, state); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("turn.degraded", state.Degraded),
		attribute.Int("turn.answer_length", len(state.Final)),
	)
	return state, nil
}

// retrievalQuery is what the retrieval stages search with: the condensed
// query when condensation produced one, the original otherwise.
func (s *TurnState) retrievalQuery() string {
	if s.StandaloneQuery != "" {
		return s.StandaloneQuery
	}
	return s.Query
}

// condense rewrites a follow-up question into a standalone one using the
// shared history. This stage must never fail the turn: a completion error
// or an empty rewrite falls back to the verbatim query.
func (p *Pipeline) condense(ctx context.Context, state *TurnState) {
	ctx, span := pipelineTracer.Start(ctx, "Pipeline.Condense")
	defer span.End()

	tmpl, ok := p.prompts.Get(prompts.BlockCondense)
	if !ok {
		tmpl = defaultCondenseTemplate
	}
	prompt := prompts.Render(tmpl, map[string]string{
		"history":  p.memory.RenderText(),
		"followup": state.Query,
	})

	out, err := p.llmClient.Generate(ctx, prompt, llm.GenerationParams{})
	standalone := strings.TrimSpace(out)
	if err != nil || standalone == "" {
		if err != nil {
			span.RecordError(err)
			slog.Warn("Condensation failed, using the verbatim query", "error", err)
		} else {
			slog.Warn("Condensation returned empty output, using the verbatim query")
		}
		state.StandaloneQuery = state.Query
		state.Degraded = true
		span.SetAttributes(attribute.Bool("condense.degraded", true))
		return
	}

	state.StandaloneQuery = standalone
	span.SetAttributes(attribute.Int("condense.standalone_length", len(standalone)))
}

// retrieveQA runs one partition's retrieval-QA: fetch the top-k passages,
// stuff them into a grounding prompt, and ask the model to answer from them
// alone. Both the retriever call and the completion call are hard failures
// for the turn.
func (p *Pipeline) retrieveQA(ctx context.Context, stage string, r retrieval.Retriever, query string) (string, error) {
	ctx, span := pipelineTracer.Start(ctx, "Pipeline."+stage)
	defer span.End()
	span.SetAttributes(attribute.String("retriever", r.Name()))

	passages, err := r.Retrieve(ctx, query, RetrievalTopK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		return "", err
	}
	span.SetAttributes(attribute.Int("passages", len(passages)))

	var sb strings.Builder
	for i, passage := range passages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s, page %d]\n%s", passage.Source, passage.Page, passage.Content)
	}

	prompt := fmt.Sprintf(
		"Use only the following statute extracts to answer the question. "+
			"If the extracts do not cover it, say so.\n\n%s\n\nQuestion: %s\nAnswer:",
		sb.String(), query)

	answer, err := p.llmClient.Generate(ctx, prompt, llm.GenerationParams{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", &CompletionError{Stage: stage, Err: err}
	}
	return strings.TrimSpace(answer), nil
}

// synthesize merges both partition answers into the final response and
// commits the turn. A commit failure is absorbed: the answer is already
// final and is returned regardless.
func (p *Pipeline) synthesize(ctx context.Context, state *TurnState) error {
	ctx, span := pipelineTracer.Start(ctx, "Pipeline.Synthesize")
	defer span.End()

	tmpl, ok := p.prompts.Get(prompts.BlockSynth)
	if !ok {
		tmpl = defaultSynthTemplate
	}
	prompt := prompts.Render(tmpl, map[string]string{
		"question": state.retrievalQuery(),
		"a1":       state.AnswerA,
		"a2":       state.AnswerB,
	})

	final, err := p.llmClient.Generate(ctx, prompt, llm.GenerationParams{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return &CompletionError{Stage: "synthesize", Err: err}
	}
	state.Final = final

	if err := p.memory.Commit(ctx, state.Query, state.Final); err != nil {
		// The answer is already computed; degraded context for future
		// turns, not a turn failure.
		span.RecordError(err)
		slog.Error("Memory commit failed, answer still returned", "error", err)
	}
	return nil
}
