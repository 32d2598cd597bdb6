// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/openlexica/ipcounsel/services/counsel/datatypes"
	"github.com/openlexica/ipcounsel/services/counsel/retrieval"
	"github.com/openlexica/ipcounsel/services/llm"
)

// embedBatchSize caps how many texts go into one embedding request.
const embedBatchSize = 256

func newWeaviateClient() (*weaviate.Client, error) {
	weaviateURL := strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' ")
	if weaviateURL == "" {
		return nil, fmt.Errorf("WEAVIATE_SERVICE_URL is required for partition A")
	}
	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("WEAVIATE_SERVICE_URL %q is not a valid URL", weaviateURL)
	}
	return weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
}

// embedChunks runs the chunk contents through the embedder in bounded
// batches and returns one vector per chunk, in order.
func embedChunks(ctx context.Context, embedder llm.Embedder, chunks []Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Content)
		}

		batch, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunks %d-%d: %w", start, end, err)
		}
		vectors = append(vectors, batch...)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}
	return vectors, nil
}

// importWeaviate builds the partition A index: every chunk becomes one
// PenalSection object with a content-derived deterministic ID, so
// re-running the indexer overwrites rather than duplicates.
func importWeaviate(ctx context.Context, client *weaviate.Client, embedder llm.Embedder, chunks []Chunk) error {
	datatypes.EnsureWeaviateSchema(client)

	vectors, err := embedChunks(ctx, embedder, chunks)
	if err != nil {
		return err
	}

	objects := make([]*models.Object, len(chunks))
	for i, chunk := range chunks {
		hash := sha256.Sum256([]byte(chunk.Content))
		docUUID, _ := uuid.FromBytes(hash[:16])

		objects[i] = &models.Object{
			Class:  retrieval.PenalSectionClass,
			ID:     strfmt.UUID(docUUID.String()),
			Vector: vectors[i],
			Properties: map[string]interface{}{
				"content":     chunk.Content,
				"source":      sourceName,
				"page":        chunk.Page,
				"ingested_at": time.Now().UnixMilli(),
			},
		}
	}

	resp, err := client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to batch import into Weaviate: %w", err)
	}

	imported := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			imported++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, errItem := range item.Result.Errors.Error {
				slog.Warn("Error in Weaviate batch item", "error", errItem.Message)
			}
		}
	}
	if imported < len(objects) {
		slog.Warn("Some chunks failed to import into Weaviate",
			"imported", imported, "total", len(objects))
	}

	slog.Info("Built partition A in Weaviate", "chunks_imported", imported)
	return nil
}

// importPgvector builds the partition B index in Postgres. The table is
// recreated from scratch on each run; the indexer is the only writer.
func importPgvector(ctx context.Context, pool *pgxpool.Pool, embedder llm.Embedder, chunks []Chunk) error {
	vectors, err := embedChunks(ctx, embedder, chunks)
	if err != nil {
		return err
	}
	if len(vectors) == 0 {
		slog.Warn("Partition B is empty, nothing to import")
		return nil
	}
	dim := len(vectors[0])

	setup := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf("DROP TABLE IF EXISTS %s", retrieval.ChunksTable),
		fmt.Sprintf(`CREATE TABLE %s (
			id uuid PRIMARY KEY,
			content text NOT NULL,
			source text NOT NULL,
			page int NOT NULL,
			embedding vector(%d) NOT NULL
		)`, retrieval.ChunksTable, dim),
	}
	for _, stmt := range setup {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to prepare the %s table: %w", retrieval.ChunksTable, err)
		}
	}

	batch := &pgx.Batch{}
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (id, content, source, page, embedding) VALUES ($1, $2, $3, $4, $5)",
		retrieval.ChunksTable)
	for i, chunk := range chunks {
		hash := sha256.Sum256([]byte(chunk.Content))
		chunkUUID, _ := uuid.FromBytes(hash[:16])
		batch.Queue(insertSQL, chunkUUID, chunk.Content, sourceName, chunk.Page,
			pgvector.NewVector(vectors[i]))
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert chunks into %s: %w", retrieval.ChunksTable, err)
	}

	indexSQL := fmt.Sprintf(
		"CREATE INDEX ON %s USING hnsw (embedding vector_cosine_ops)", retrieval.ChunksTable)
	if _, err := pool.Exec(ctx, indexSQL); err != nil {
		// The table still works with sequential scans.
		slog.Warn("Failed to create the vector index, queries will be slower", "error", err)
	}

	slog.Info("Built partition B in pgvector", "chunks_imported", len(chunks))
	return nil
}
