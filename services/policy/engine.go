// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package policy scans inbound questions against data classification rules
// before they reach the answer pipeline.
package policy

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var classificationPatterns []byte

// Pattern is a single classification rule.
type Pattern struct {
	Id          string `yaml:"id"`
	Description string `yaml:"description"`
	Confidence  string `yaml:"confidence"`
	Regex       string `yaml:"regex"`

	compiled *regexp.Regexp
}

// Classification groups patterns under a named sensitivity level.
type Classification struct {
	Name     string    `yaml:"name"`
	Priority int       `yaml:"priority"`
	Patterns []Pattern `yaml:"patterns"`
}

type classificationFile struct {
	ClassificationPatterns []Classification `yaml:"classification_patterns"`
}

// ScanFinding describes one rule match inside scanned content.
type ScanFinding struct {
	LineNumber         int    `json:"line_number"`
	MatchedContent     string `json:"matched_content"`
	ClassificationName string `json:"classification_name"`
	PatternId          string `json:"pattern_id"`
	PatternDescription string `json:"pattern_description"`
	Confidence         string `json:"confidence"`
}

// Engine holds the compiled rule set. Read-only after construction and safe
// for concurrent scans.
type Engine struct {
	Classifiers []Classification
}

// NewEngine compiles the embedded pattern file. It fails only if the
// embedded YAML is malformed or a regex does not compile, which is a build
// defect rather than a runtime condition.
func NewEngine() (*Engine, error) {
	var file classificationFile
	if err := yaml.Unmarshal(classificationPatterns, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded policy file: %w", err)
	}

	for ci := range file.ClassificationPatterns {
		for pi := range file.ClassificationPatterns[ci].Patterns {
			p := &file.ClassificationPatterns[ci].Patterns[pi]
			compiled, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("failed to compile pattern %s: %w", p.Id, err)
			}
			p.compiled = compiled
		}
	}

	sort.SliceStable(file.ClassificationPatterns, func(i, j int) bool {
		return file.ClassificationPatterns[i].Priority > file.ClassificationPatterns[j].Priority
	})

	return &Engine{Classifiers: file.ClassificationPatterns}, nil
}

// ScanContent audits content line by line against every pattern and returns
// all matches with their locations. An empty slice means clean input.
func (e *Engine) ScanContent(content string) []ScanFinding {
	var findings []ScanFinding
	lines := strings.Split(content, "\n")
	for lineNum, line := range lines {
		for _, classifier := range e.Classifiers {
			for _, pattern := range classifier.Patterns {
				match := pattern.compiled.FindString(line)
				if match != "" {
					findings = append(findings, ScanFinding{
						LineNumber:         lineNum + 1,
						MatchedContent:     strings.TrimSpace(match),
						ClassificationName: classifier.Name,
						PatternId:          pattern.Id,
						PatternDescription: pattern.Description,
						Confidence:         pattern.Confidence,
					})
				}
			}
		}
	}
	return findings
}
