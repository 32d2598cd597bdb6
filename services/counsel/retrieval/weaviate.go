// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/openlexica/ipcounsel/services/llm"
)

// PenalSectionClass is the Weaviate class holding partition A of the
// statute. The indexer creates it; the retriever only reads it.
const PenalSectionClass = "PenalSection"

// WeaviateRetriever serves partition A via nearVector search. The query is
// embedded with the same Embedder used at index-build time.
type WeaviateRetriever struct {
	client   *weaviate.Client
	embedder llm.Embedder
}

var _ Retriever = (*WeaviateRetriever)(nil)

func NewWeaviateRetriever(client *weaviate.Client, embedder llm.Embedder) *WeaviateRetriever {
	return &WeaviateRetriever{client: client, embedder: embedder}
}

func (r *WeaviateRetriever) Name() string {
	return "weaviate/" + PenalSectionClass
}

// penalSectionResponse mirrors the GraphQL shape for the PenalSection class.
type penalSectionResponse struct {
	Get struct {
		PenalSection []struct {
			Content    string `json:"content"`
			Source     string `json:"source"`
			Page       int    `json:"page"`
			Additional struct {
				Certainty float64 `json:"certainty"`
			} `json:"_additional"`
		} `json:"PenalSection"`
	} `json:"Get"`
}

func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &UnavailableError{Index: r.Name(), Err: fmt.Errorf("query embedding failed: %w", err)}
	}

	nearVector := r.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "page"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	resp, err := r.client.GraphQL().Get().
		WithClassName(PenalSectionClass).
		WithNearVector(nearVector).
		WithFields(fields...).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, &UnavailableError{Index: r.Name(), Err: err}
	}
	if len(resp.Errors) > 0 {
		return nil, &UnavailableError{Index: r.Name(), Err: fmt.Errorf("graphql error: %s", resp.Errors[0].Message)}
	}

	parsed, err := parseGraphQLResponse[penalSectionResponse](resp)
	if err != nil {
		return nil, &UnavailableError{Index: r.Name(), Err: err}
	}

	passages := make([]Passage, 0, len(parsed.Get.PenalSection))
	for _, hit := range parsed.Get.PenalSection {
		passages = append(passages, Passage{
			Content: hit.Content,
			Source:  hit.Source,
			Page:    hit.Page,
			Score:   hit.Additional.Certainty,
		})
	}
	slog.Debug("Weaviate retrieval complete", "query_len", len(query), "hits", len(passages))
	return passages, nil
}

// parseGraphQLResponse converts Weaviate's dynamic response payload into a
// typed struct via a marshal/unmarshal round trip.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}
