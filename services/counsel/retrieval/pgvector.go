// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/openlexica/ipcounsel/services/llm"
)

// ChunksTable is the Postgres table holding partition B of the statute.
const ChunksTable = "ipc_chunks"

// PgvectorRetriever serves partition B with cosine-distance search over a
// pgvector column.
type PgvectorRetriever struct {
	pool     *pgxpool.Pool
	embedder llm.Embedder
}

var _ Retriever = (*PgvectorRetriever)(nil)

// NewPgvectorPool opens a pgx pool with the pgvector codec registered on
// every connection.
func NewPgvectorPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres connection string: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	return pool, nil
}

func NewPgvectorRetriever(pool *pgxpool.Pool, embedder llm.Embedder) *PgvectorRetriever {
	return &PgvectorRetriever{pool: pool, embedder: embedder}
}

func (r *PgvectorRetriever) Name() string {
	return "pgvector/" + ChunksTable
}

func (r *PgvectorRetriever) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &UnavailableError{Index: r.Name(), Err: fmt.Errorf("query embedding failed: %w", err)}
	}

	// <=> is cosine distance; 1 - distance gives a similarity score in the
	// same direction as Weaviate's certainty.
	rows, err := r.pool.Query(ctx,
		`SELECT content, source, page, 1 - (embedding <=> $1) AS score
		 FROM `+ChunksTable+`
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		pgvector.NewVector(vector), k)
	if err != nil {
		return nil, &UnavailableError{Index: r.Name(), Err: err}
	}
	defer rows.Close()

	var passages []Passage
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.Content, &p.Source, &p.Page, &p.Score); err != nil {
			return nil, &UnavailableError{Index: r.Name(), Err: fmt.Errorf("row scan failed: %w", err)}
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &UnavailableError{Index: r.Name(), Err: err}
	}
	slog.Debug("pgvector retrieval complete", "query_len", len(query), "hits", len(passages))
	return passages, nil
}
