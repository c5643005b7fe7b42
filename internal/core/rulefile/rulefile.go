// Package rulefile reads rule definitions from YAML documents.
package rulefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/solatis/routekeeper/internal/types"
)

// Document is the top-level shape of a rule file.
//
//	rules:
//	  - name: products
//	    phase: routing
//	    conditions:
//	      - kind: path
//	        value: /products/(tv|audio)/**
//	    actions:
//	      - body: return OK
type Document struct {
	Rules []types.RuleSpec `yaml:"rules"`
}

// Load reads and decodes the rule file at path.
func Load(path string) ([]types.RuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	specs, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// Parse decodes a rule document. Unknown fields are rejected so typos in
// condition or action keys fail loudly instead of widening a rule.
func Parse(r io.Reader) ([]types.RuleSpec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("invalid rule document: %w", err)
	}
	return doc.Rules, nil
}

// Marshal encodes specs as a rule document.
func Marshal(specs []types.RuleSpec) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Document{Rules: specs}); err != nil {
		return nil, fmt.Errorf("failed to encode rules: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
