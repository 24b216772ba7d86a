// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package bundle builds complete and delta policy bundles from a
// directory of rego modules and data.json files, the way the tracker's
// checked-out git worktree (or a downloaded bundle endpoint's extracted
// contents) looks on disk.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vutetech/opal/server/pkg/wire"
)

const historySize = 16

// Builder constructs bundles by walking a root directory for .rego
// modules and data.json documents. It remembers a bounded history of
// previously built complete bundles so a caller-supplied base hash can
// be resolved to the module set it named and diffed against a fresh
// walk of the current tree.
type Builder struct {
	root string

	mu      sync.Mutex
	history []*wire.Bundle // bounded, oldest first
}

// New constructs a Builder rooted at root (the tracker's clone path, or
// the bundle endpoint's extraction directory).
func New(root string) *Builder {
	return &Builder{root: root}
}

// BuildComplete walks the whole tree, filtered to the given subscription
// directories (repository-relative prefixes; nil or empty means "every
// directory"), and returns every module plus the aggregate hash of the
// filtered tree. The result is remembered so a later BuildFromBase call
// naming its hash can return a delta against it.
func (b *Builder) BuildComplete(dirs []string) (*wire.Bundle, error) {
	policies, datas, err := b.collect(dirs)
	if err != nil {
		return nil, err
	}

	bdl := &wire.Bundle{
		NewHash:       hashTree(policies, datas),
		Manifest:      manifestOf(policies, datas),
		PolicyModules: policies,
		DataModules:   datas,
	}
	b.remember(bdl)
	return bdl, nil
}

// BuildFromBase returns a delta from baseHash to the current tree, or a
// complete bundle when baseHash is empty or no longer in history
// (larger than a delta, but still correct).
func (b *Builder) BuildFromBase(baseHash string, dirs []string) (*wire.Bundle, error) {
	if baseHash == "" {
		return b.BuildComplete(dirs)
	}
	prev := b.lookup(baseHash)
	if prev == nil {
		return b.BuildComplete(dirs)
	}
	return b.BuildDelta(prev, dirs)
}

// BuildDelta compares a previously built complete bundle against the
// current tree and returns only the added/changed modules plus the set
// of files/documents that were deleted.
func (b *Builder) BuildDelta(previous *wire.Bundle, dirs []string) (*wire.Bundle, error) {
	complete, err := b.BuildComplete(dirs)
	if err != nil {
		return nil, err
	}

	prevPolicyHash := make(map[string]string, len(previous.PolicyModules))
	for _, m := range previous.PolicyModules {
		prevPolicyHash[m.Path] = m.Hash
	}
	prevDataHash := make(map[string]string, len(previous.DataModules))
	for _, d := range previous.DataModules {
		prevDataHash[d.Path] = d.Hash
	}

	var changedPolicies []wire.PolicyModule
	seenPolicies := make(map[string]struct{}, len(complete.PolicyModules))
	for _, m := range complete.PolicyModules {
		seenPolicies[m.Path] = struct{}{}
		if prevHash, ok := prevPolicyHash[m.Path]; !ok || prevHash != m.Hash {
			changedPolicies = append(changedPolicies, m)
		}
	}

	var changedData []wire.DataModule
	seenData := make(map[string]struct{}, len(complete.DataModules))
	for _, d := range complete.DataModules {
		seenData[d.Path] = struct{}{}
		if prevHash, ok := prevDataHash[d.Path]; !ok || prevHash != d.Hash {
			changedData = append(changedData, d)
		}
	}

	var deletedPolicies []string
	for path := range prevPolicyHash {
		if _, ok := seenPolicies[path]; !ok {
			deletedPolicies = append(deletedPolicies, path)
		}
	}
	sort.Strings(deletedPolicies)

	var deletedData []string
	for path := range prevDataHash {
		if _, ok := seenData[path]; !ok {
			deletedData = append(deletedData, path)
		}
	}
	sort.Strings(deletedData)

	return &wire.Bundle{
		OldHash:       previous.NewHash,
		NewHash:       complete.NewHash,
		Manifest:      complete.Manifest,
		PolicyModules: changedPolicies,
		DataModules:   changedData,
		Deleted:       deletedPolicies,
		DeletedData:   deletedData,
	}, nil
}

// TouchedDirs returns the set of top-level repository directories
// affected by bdl (added, changed, or deleted paths), plus "." when the
// repository root itself is touched. Used by the server to route a
// policy update only to clients subscribed to an affected directory.
func TouchedDirs(bdl *wire.Bundle) []string {
	seen := make(map[string]struct{})
	add := func(path string) {
		seen[topDir(path)] = struct{}{}
	}
	// a data module's Path is its document path ("/" or "/static"), so it
	// is mapped back to the data.json file it was read from.
	addDoc := func(docPath string) {
		if dir := strings.TrimPrefix(docPath, "/"); dir != "" {
			add(dir + "/data.json")
			return
		}
		add("data.json")
	}
	for _, m := range bdl.PolicyModules {
		add(m.Path)
	}
	for _, d := range bdl.DataModules {
		addDoc(d.Path)
	}
	for _, p := range bdl.Deleted {
		add(p)
	}
	for _, p := range bdl.DeletedData {
		addDoc(p)
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func topDir(relPath string) string {
	if i := strings.IndexByte(relPath, '/'); i >= 0 {
		return relPath[:i]
	}
	return "."
}

func (b *Builder) remember(bdl *wire.Bundle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, bdl)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
}

func (b *Builder) lookup(hash string) *wire.Bundle {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.history) - 1; i >= 0; i-- {
		if b.history[i].NewHash == hash {
			return b.history[i]
		}
	}
	return nil
}

// collect walks the tree once, applying the manifest file's ordering
// (if present) and the subscription-directory filter, and returns the
// matching policy and data modules.
func (b *Builder) collect(dirs []string) ([]wire.PolicyModule, []wire.DataModule, error) {
	manifestOrder, err := b.readManifest()
	if err != nil {
		return nil, nil, err
	}

	var policies []wire.PolicyModule
	var datas []wire.DataModule

	err = filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return fmt.Errorf("bundle: relpath failed for %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)
		if !underSubscribedDir(rel, dirs) {
			return nil
		}

		switch {
		case strings.HasSuffix(rel, ".rego"):
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("bundle: read failed for %s: %w", path, err)
			}
			policies = append(policies, wire.PolicyModule{
				Path:    rel,
				Package: regoPackageName(content),
				Rego:    string(content),
				Hash:    hashBytes(content),
			})
		case filepath.Base(rel) == "data.json":
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("bundle: read failed for %s: %w", path, err)
			}
			if !json.Valid(content) {
				return fmt.Errorf("bundle: %s does not contain valid JSON", rel)
			}
			datas = append(datas, wire.DataModule{
				Path: dataDocPath(rel),
				Data: json.RawMessage(content),
				Hash: hashBytes(content),
			})
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("bundle: walk failed: %w", err)
	}

	order := rankOf(manifestOrder)
	sort.Slice(policies, func(i, j int) bool {
		return less(policies[i].Path, policies[j].Path, order)
	})
	sort.Slice(datas, func(i, j int) bool {
		return less(strings.TrimPrefix(datas[i].Path, "/"), strings.TrimPrefix(datas[j].Path, "/"), order)
	})

	return policies, datas, nil
}

// dataDocPath derives the policy-store document path a data.json file
// maps to: the file's containing directory, rooted at "/" (OPA bundle
// convention — data.json at the tree root becomes "/", "static/data.json"
// becomes "/static").
func dataDocPath(relFilePath string) string {
	dir := filepath.ToSlash(filepath.Dir(relFilePath))
	if dir == "." {
		return "/"
	}
	return "/" + dir
}

// underSubscribedDir reports whether relPath falls under one of dirs
// (repository-relative prefixes). An empty dirs list, or a dirs list
// containing ".", subscribes to the entire tree.
func underSubscribedDir(relPath string, dirs []string) bool {
	if len(dirs) == 0 {
		return true
	}
	for _, d := range dirs {
		d = strings.TrimSuffix(strings.TrimPrefix(d, "./"), "/")
		if d == "" || d == "." {
			return true
		}
		if relPath == d || strings.HasPrefix(relPath, d+"/") {
			return true
		}
	}
	return false
}

// readManifest reads an optional ".manifest" file at the tree root: one
// repository-relative path per line, blank lines and "#"-prefixed
// comments ignored. Its order defines bundle ordering for the paths it
// names; anything else is appended lexicographically.
func (b *Builder) readManifest() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(b.root, ".manifest"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bundle: read .manifest failed: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, filepath.ToSlash(line))
	}
	return paths, nil
}

func rankOf(manifestOrder []string) map[string]int {
	order := make(map[string]int, len(manifestOrder))
	for i, p := range manifestOrder {
		order[p] = i
	}
	return order
}

func less(a, b string, order map[string]int) bool {
	ra, aok := order[a]
	rb, bok := order[b]
	switch {
	case aok && bok:
		return ra < rb
	case aok:
		return true
	case bok:
		return false
	default:
		return a < b
	}
}

func manifestOf(policies []wire.PolicyModule, datas []wire.DataModule) []string {
	out := make([]string, 0, len(policies)+len(datas))
	for _, m := range policies {
		out = append(out, m.Path)
	}
	for _, d := range datas {
		out = append(out, strings.TrimPrefix(d.Path, "/"))
	}
	return out
}

func hashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// regoPackageName extracts the module's "package" declaration, e.g.
// "rbac.authz" from "package rbac.authz". Returns "" if none is found;
// callers carry it only as a convenience since it's always derivable
// from the rego source itself.
func regoPackageName(content []byte) string {
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "package ") {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(line, "package "))
		if idx := strings.IndexAny(name, " \t#"); idx >= 0 {
			name = name[:idx]
		}
		return name
	}
	return ""
}

func hashTree(policies []wire.PolicyModule, datas []wire.DataModule) string {
	h := sha256.New()
	for _, m := range policies {
		h.Write([]byte(m.Path))
		h.Write([]byte(m.Hash))
	}
	for _, d := range datas {
		h.Write([]byte(d.Path))
		h.Write([]byte(d.Hash))
	}
	return hex.EncodeToString(h.Sum(nil))
}
