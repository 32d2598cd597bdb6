// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// The indexer downloads the Indian Penal Code PDF, splits it into chunks,
// and builds the two retrieval partitions: the first half of the chunks
// goes into Weaviate, the second half into the pgvector table.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/openlexica/ipcounsel/pkg/logging"
	"github.com/openlexica/ipcounsel/services/counsel/retrieval"
	"github.com/openlexica/ipcounsel/services/llm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, reading configuration from the environment")
	}

	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "indexer",
		JSON:    true,
		LogDir:  os.Getenv("INDEXER_LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	docDir := os.Getenv("DOC_DIR")
	if docDir == "" {
		docDir = "docs"
	}
	if err := os.MkdirAll(docDir, 0750); err != nil {
		log.Fatalf("Failed to create the document directory %s: %v", docDir, err)
	}

	ctx := context.Background()

	pdfPath := filepath.Join(docDir, sourceName)
	if err := downloadPDF(pdfPath); err != nil {
		log.Fatalf("Failed to obtain the statute PDF: %v", err)
	}

	chunks, err := loadChunks(ctx, pdfPath)
	if err != nil {
		log.Fatalf("Failed to load the statute chunks: %v", err)
	}
	if len(chunks) == 0 {
		log.Fatalf("The statute PDF produced no chunks")
	}
	partA, partB := halve(chunks)
	slog.Info("Partitioned the chunks", "partition_a", len(partA), "partition_b", len(partB))

	embedder, err := llm.NewOpenAIEmbedder()
	if err != nil {
		log.Fatalf("Failed to initialize the embedding client: %v", err)
	}

	weaviateClient, err := newWeaviateClient()
	if err != nil {
		log.Fatalf("Failed to connect to Weaviate: %v", err)
	}
	if err := importWeaviate(ctx, weaviateClient, embedder, partA); err != nil {
		log.Fatalf("Failed to build partition A in Weaviate: %v", err)
	}

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		log.Fatalf("POSTGRES_URL is required for partition B")
	}
	pool, err := retrieval.NewPgvectorPool(ctx, postgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pool.Close()
	if err := importPgvector(ctx, pool, embedder, partB); err != nil {
		log.Fatalf("Failed to build partition B in pgvector: %v", err)
	}

	slog.Info("Both index partitions are ready",
		"partition_a", len(partA), "partition_b", len(partB))
}
