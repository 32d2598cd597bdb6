// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/textsplitter"
)

const (
	chunkSize    = 1500
	chunkOverlap = 200

	sourceName = "ipc_1860.pdf"
)

// ipcMirrors lists known public hosts of the Indian Penal Code PDF,
// tried in order until one succeeds.
var ipcMirrors = []string{
	"https://www.indiacode.nic.in/bitstream/123456789/4219/1/THE-INDIAN-PENAL-CODE-1860.pdf",
	"https://www.iitk.ac.in/wc/data/IPC_186045.pdf",
	"https://thc.nic.in/Central%20Governmental%20Acts/Indian%20Penal%20Code%2C%201860%20.pdf",
}

// Chunk is one splitter-produced piece of statute text with its page of
// origin in the source PDF.
type Chunk struct {
	Content string
	Page    int
}

// downloadPDF fetches the statute PDF into dest, trying each mirror in
// order. An existing file at dest is reused without a network call.
func downloadPDF(dest string) error {
	if _, err := os.Stat(dest); err == nil {
		slog.Info("Reusing existing statute PDF", "path", dest)
		return nil
	}

	client := &http.Client{Timeout: 30 * time.Second}
	for _, url := range ipcMirrors {
		slog.Info("Trying mirror", "url", url)
		resp, err := client.Get(url)
		if err != nil {
			slog.Warn("Mirror unreachable, trying the next one", "url", url, "error", err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			slog.Warn("Mirror returned a non-200 status, trying the next one",
				"url", url, "status", resp.StatusCode)
			continue
		}

		out, err := os.Create(dest)
		if err != nil {
			resp.Body.Close()
			return fmt.Errorf("failed to create %s: %w", dest, err)
		}
		_, err = io.Copy(out, resp.Body)
		resp.Body.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
			slog.Warn("Mirror download failed mid-stream, trying the next one", "url", url, "error", err)
			continue
		}

		slog.Info("Downloaded the statute PDF", "url", url, "path", dest)
		return nil
	}
	return fmt.Errorf("all statute PDF mirrors failed; download the file manually to %s", dest)
}

// loadChunks extracts the page texts from the PDF at path and splits each
// page into overlapping chunks. Blank pages are skipped.
func loadChunks(ctx context.Context, path string) ([]Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	docs, err := documentloaders.NewPDF(f, info.Size()).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse the PDF: %w", err)
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
	)

	var chunks []Chunk
	for i, doc := range docs {
		text := strings.TrimSpace(doc.PageContent)
		if text == "" {
			continue
		}
		page := i + 1
		if p, ok := doc.Metadata["page"].(int); ok {
			page = p
		}

		pieces, err := splitter.SplitText(text)
		if err != nil {
			return nil, fmt.Errorf("failed to split page %d: %w", page, err)
		}
		for _, piece := range pieces {
			chunks = append(chunks, Chunk{Content: piece, Page: page})
		}
	}

	slog.Info("Split the statute into chunks", "pages", len(docs), "chunk_count", len(chunks))
	return chunks, nil
}

// halve splits the chunk list into the two index partitions. A single
// chunk still yields a non-empty first partition.
func halve(chunks []Chunk) ([]Chunk, []Chunk) {
	mid := len(chunks) / 2
	if mid == 0 && len(chunks) > 0 {
		mid = 1
	}
	return chunks[:mid], chunks[mid:]
}
