// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"errors"
	"fmt"
)

// CompletionError reports a failed language-model call in a stage whose
// contract does not allow a fallback (retrieval-QA and synthesis). The
// condense stage never produces one; it degrades to the verbatim query.
type CompletionError struct {
	Stage string
	Err   error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion failed in %s stage: %v", e.Stage, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// IsCompletionFailure reports whether err is (or wraps) a CompletionError.
func IsCompletionFailure(err error) bool {
	var ce *CompletionError
	return errors.As(err, &ce)
}
