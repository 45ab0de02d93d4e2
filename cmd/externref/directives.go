package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/wippyai/wasm-externref/externref"
)

// loadDirectives reads a JSON array of directives:
//
//	[{"direction": "export", "name": "greet", "params": ["owned"]}]
func loadDirectives(path string) ([]externref.BoundaryDirective, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directives: %w", err)
	}
	var dirs []externref.BoundaryDirective
	if err := json.Unmarshal(data, &dirs); err != nil {
		return nil, fmt.Errorf("parse directives %s: %w", path, err)
	}
	return dirs, nil
}
