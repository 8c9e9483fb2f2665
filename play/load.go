// Copyright (c) 2025 Neomantra Corp

package play

import (
	"os"
	"strings"
)

// Load reads, decodes, and normalizes a Play file. JSON documents (by
// extension or leading '{') get the fastjson Preflight pass first; YAML is
// a superset of JSON, so both shapes land in the same decoder.
func Load(path string) (*Play, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".json") || looksLikeJSON(data) {
		if err := Preflight(data); err != nil {
			return nil, err
		}
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Normalize(doc)
}

func looksLikeJSON(data []byte) bool {
	for _, c := range data {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
