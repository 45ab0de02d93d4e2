package main

import (
	"fmt"
	"path/filepath"

	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-externref/externref"
	"github.com/wippyai/wasm-externref/ir"
)

// loadWorld derives directives from a WIT package. JSON files are read as
// wasm-tools resolve output; anything else goes through the embedded
// wasm-tools first.
func loadWorld(path, pattern string) ([]externref.BoundaryDirective, error) {
	var (
		res *wit.Resolve
		err error
	)
	if filepath.Ext(path) == ".json" {
		res, err = wit.LoadJSON(path)
	} else {
		res, err = wit.LoadWIT(path)
	}
	if err != nil {
		return nil, fmt.Errorf("load wit %s: %w", path, err)
	}
	return worldDirectives(res, pattern)
}

func worldDirectives(res *wit.Resolve, pattern string) ([]externref.BoundaryDirective, error) {
	var found []*wit.World
	for _, w := range res.Worlds {
		if pattern == "" || w.Match(pattern) {
			found = append(found, w)
		}
	}
	switch {
	case len(found) == 1:
		return externref.DirectivesFromWorld(found[0]), nil
	case len(found) == 0 && pattern != "":
		return nil, fmt.Errorf("no world matches %q", pattern)
	case len(found) == 0:
		return nil, fmt.Errorf("no worlds in package")
	}
	return nil, fmt.Errorf("%d worlds match, select one with --world", len(found))
}

// mergeDirectives appends derived directives whose boundary exists in m
// and is not already named explicitly. A core module only imports what it
// uses, so world functions without a counterpart are skipped.
func mergeDirectives(m *ir.Module, explicit, derived []externref.BoundaryDirective, log *zap.Logger) []externref.BoundaryDirective {
	seen := make(map[string]bool, len(explicit))
	for _, d := range explicit {
		seen[d.String()] = true
	}
	out := explicit
	for _, d := range derived {
		var ok bool
		if d.Direction == externref.Import {
			_, ok = m.ImportedFunc(d.Module, d.Name)
		} else {
			_, ok = m.ExportedFunc(d.Name)
		}
		switch {
		case seen[d.String()]:
			log.Debug("directive given explicitly", zap.String("directive", d.String()))
		case !ok:
			log.Debug("world function not in module", zap.String("directive", d.String()))
		default:
			out = append(out, d)
		}
	}
	return out
}
