// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prompts loads the named prompt templates used by the answer
// pipeline from a plain-text file.
//
// The file format is line-oriented: a line of the form `--NAME--` opens a
// block, `--END--` closes the currently open block, and everything between
// the two delimiters (trimmed) is the block body. Only the block names the
// pipeline knows about are retained; anything else is skipped. A file whose
// last block is missing its `--END--` still yields that block with the text
// accumulated up to end-of-file.
//
// The Store is immutable after Load and safe for unsynchronized concurrent
// reads. Callers must supply their own default template for any block the
// file did not provide.
package prompts

import (
	"fmt"
	"os"
	"strings"
)

// Block names recognized by the parser. Delimiter lines carrying any other
// name are ignored, matching the tolerant handling of hand-edited files.
const (
	BlockCondense = "CONDENSE"
	BlockSynth    = "SYNTH"
)

var knownBlocks = map[string]bool{
	BlockCondense: true,
	BlockSynth:    true,
}

// Store holds the parsed prompt templates, keyed by block name.
type Store struct {
	blocks map[string]string
}

// Load reads and parses the template file at path.
//
// Parsing itself never fails: malformed delimiter lines are skipped and a
// partial (possibly empty) store is returned, so a broken prompt file
// degrades to the callers' built-in defaults instead of taking the service
// down. Only an unreadable file is reported as an error.
func Load(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file %s: %w", path, err)
	}
	return Parse(string(raw)), nil
}

// Parse parses prompt template text into a Store. See the package comment
// for the block format.
func Parse(text string) *Store {
	blocks := make(map[string]string)
	var current string
	var buf []string

	flush := func() {
		if current != "" && len(buf) > 0 {
			blocks[current] = strings.TrimSpace(strings.Join(buf, "\n"))
			buf = buf[:0]
		}
	}

	for _, line := range strings.Split(text, "\n") {
		ls := strings.TrimSpace(line)
		if strings.HasPrefix(ls, "--") && strings.HasSuffix(ls, "--") && len(ls) >= 4 {
			tag := strings.ToUpper(strings.Trim(ls, "-"))
			if knownBlocks[tag] {
				flush()
				buf = buf[:0] // drop any preamble outside a block
				current = tag
			} else if ls == "--END--" {
				if current != "" {
					blocks[current] = strings.TrimSpace(strings.Join(buf, "\n"))
					buf = buf[:0]
					current = ""
				}
			}
			// Unrecognized delimiter lines are dropped entirely.
			continue
		}
		buf = append(buf, line)
	}
	// A file missing its final --END-- still keeps the open block.
	flush()

	return &Store{blocks: blocks}
}

// Get returns the template body for name and whether it was present in the
// parsed file. Callers fall back to a compile-time default on a miss.
func (s *Store) Get(name string) (string, bool) {
	body, ok := s.blocks[name]
	return body, ok
}

// Len returns the number of retained blocks. Used for startup logging.
func (s *Store) Len() int {
	return len(s.blocks)
}

// Render substitutes `{slot}` placeholders in tmpl with the given values.
// Unknown placeholders are left untouched so a template typo is visible in
// the rendered prompt rather than silently swallowed.
func Render(tmpl string, slots map[string]string) string {
	pairs := make([]string, 0, len(slots)*2)
	for k, v := range slots {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
