// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval provides semantic search over the two statute
// partitions. Each partition is indexed in its own backend; retrievers are
// read-only and safe for concurrent use.
package retrieval

import (
	"context"
	"errors"
	"fmt"
)

// Passage is one ranked retrieval hit: a statute chunk plus its source
// metadata. Passages are consumed immediately by the retrieval-QA stage and
// never persisted.
type Passage struct {
	Content string
	Source  string
	Page    int
	Score   float64
}

// Retriever is the contract both partition backends implement.
type Retriever interface {
	// Name identifies the partition for logs and error messages.
	Name() string

	// Retrieve returns the top-k passages for query, ranked by similarity.
	// Ties keep the underlying index order.
	Retrieve(ctx context.Context, query string, k int) ([]Passage, error)
}

// UnavailableError reports that a partition's index could not be queried.
// The turn that hit it fails outright; there is no cross-partition fallback
// because the partitions are disjoint halves of the statute.
type UnavailableError struct {
	Index string
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("retriever %s unavailable: %v", e.Index, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err is (or wraps) an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
