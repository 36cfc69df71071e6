package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"

	"github.com/wippyai/capmem/capability"
	"github.com/wippyai/capmem/errors"
)

// ParseSize accepts plain byte counts and human sizes like "512 KiB" or
// "4MB".
func ParseSize(s string) (uint64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.ParseFailed("size "+s, err)
	}
	return n, nil
}

func jsonSize(r gjson.Result, what string) (uint64, error) {
	switch r.Type {
	case gjson.Number:
		if r.Num < 0 {
			return 0, errors.InvalidInput(errors.PhaseConfig, what+" must not be negative")
		}
		return r.Uint(), nil
	case gjson.String:
		return ParseSize(r.Str)
	case gjson.Null:
		return 0, errors.InvalidInput(errors.PhaseConfig, what+" is missing")
	default:
		return 0, errors.InvalidInput(errors.PhaseConfig, what+" must be a number or a size string")
	}
}

// Owner fields shared by the JSON and Lua loaders.
func parseOwner(owner, kind, level string) (capability.OwnerID, capability.Kind, capability.SafetyLevel, error) {
	id, err := capability.ParseOwner(owner)
	if err != nil {
		return 0, 0, 0, err
	}
	l, err := capability.ParseSafetyLevel(level)
	if err != nil {
		return 0, 0, 0, err
	}
	k := kindFor(l)
	if kind != "" {
		if k, err = capability.ParseKind(kind); err != nil {
			return 0, 0, 0, err
		}
	}
	return id, k, l, nil
}

// LoadJSON parses a plan document:
//
//	{
//	  "name": "edge",
//	  "global": "8 MiB",
//	  "subsystems": [{"name": "core", "budget": "1 MiB"}],
//	  "owners": [{"owner": "decoder", "kind": "dynamic", "max_size": 65536,
//	              "level": "ASIL-B", "subsystem": "core"}]
//	}
//
// A missing kind defaults to the least restrictive one the level allows.
func LoadJSON(data []byte) (*Plan, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New(errors.PhaseConfig, errors.KindParse).Detail("invalid JSON plan").Build()
	}
	doc := gjson.ParseBytes(data)

	p := &Plan{Name: doc.Get("name").String()}
	var err error
	if p.Global, err = jsonSize(doc.Get("global"), "global"); err != nil {
		return nil, err
	}

	for _, s := range doc.Get("subsystems").Array() {
		sub := Subsystem{
			Name:   s.Get("name").String(),
			Parent: s.Get("parent").String(),
		}
		if sub.Budget, err = jsonSize(s.Get("budget"), "subsystem "+sub.Name+" budget"); err != nil {
			return nil, err
		}
		p.Subsystems = append(p.Subsystems, sub)
	}

	for _, o := range doc.Get("owners").Array() {
		id, kind, level, err := parseOwner(o.Get("owner").String(), o.Get("kind").String(), o.Get("level").String())
		if err != nil {
			return nil, err
		}
		size, err := jsonSize(o.Get("max_size"), "owner "+id.String()+" max_size")
		if err != nil {
			return nil, err
		}
		p.Owners = append(p.Owners, Owner{
			Owner:     id,
			Kind:      kind,
			Level:     level,
			MaxSize:   size,
			Subsystem: o.Get("subsystem").String(),
		})
	}
	return p, nil
}

// LoadFile reads a plan by extension: .json or .lua.
func LoadFile(ctx context.Context, path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read plan "+path)
	}
	var p *Plan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		p, err = LoadJSON(data)
	case ".lua":
		p, err = LoadLua(ctx, filepath.Base(path), string(data))
	default:
		return nil, errors.InvalidInput(errors.PhaseConfig, "unsupported plan format "+filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}
