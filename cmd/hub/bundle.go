package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dive25/federation/internal/identity"
	"github.com/dive25/federation/internal/policycache"
	"go.uber.org/zap"
)

// dirBundleProvider assembles the hub's policy bundle from a directory of
// .rego policy files and .json data files. The bundle version is derived
// from the content, so unchanged policy yields a stable version and spokes
// skip the re-cache.
type dirBundleProvider struct {
	dir    string
	inst   *identity.Instance // nil = unsigned bundles
	logger *zap.Logger
}

func newDirBundleProvider(dir string, inst *identity.Instance, logger *zap.Logger) *dirBundleProvider {
	return &dirBundleProvider{dir: dir, inst: inst, logger: logger}
}

// CurrentBundle walks the policy directory and builds a signed bundle.
func (p *dirBundleProvider) CurrentBundle(ctx context.Context) (*policycache.Bundle, error) {
	var policies []policycache.PolicyFile
	var data []policycache.DataFile

	err := filepath.WalkDir(p.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(p.dir, path)
		if err != nil {
			return err
		}

		switch {
		case strings.HasSuffix(path, ".rego"):
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read policy %s: %w", rel, err)
			}
			policies = append(policies, policycache.PolicyFile{
				Path:    filepath.ToSlash(rel),
				Content: string(content),
				Hash:    hashBytes(content),
			})
		case strings.HasSuffix(path, ".json"):
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read data %s: %w", rel, err)
			}
			if !json.Valid(content) {
				return fmt.Errorf("data file %s is not valid JSON", rel)
			}
			data = append(data, policycache.DataFile{
				Path:    filepath.ToSlash(rel),
				Content: json.RawMessage(content),
				Hash:    hashBytes(content),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk policy dir %s: %w", p.dir, err)
	}

	sort.Slice(policies, func(i, j int) bool { return policies[i].Path < policies[j].Path })
	sort.Slice(data, func(i, j int) bool { return data[i].Path < data[j].Path })

	b := &policycache.Bundle{
		Version:   bundleVersion(policies, data),
		Timestamp: time.Now().UTC(),
		Policies:  policies,
		Data:      data,
	}
	if p.inst != nil {
		b.Metadata = policycache.Metadata{SourceHub: p.inst.Code()}
		if err := b.SignWith(p.inst); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// bundleVersion is a short digest over the sorted file hashes.
func bundleVersion(policies []policycache.PolicyFile, data []policycache.DataFile) string {
	h := sha256.New()
	for _, f := range policies {
		fmt.Fprintf(h, "%s:%s\n", f.Path, f.Hash)
	}
	for _, f := range data {
		fmt.Fprintf(h, "%s:%s\n", f.Path, f.Hash)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
