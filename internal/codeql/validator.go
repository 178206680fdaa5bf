package codeql

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Arashiailing/CQLLM/internal/logging"
	"github.com/Arashiailing/CQLLM/internal/refine"
)

// Validator checks staged candidates by running them against the database.
// It satisfies refine.Validator.
type Validator struct {
	runner *Runner
	cache  *gocache.Cache
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithVerdictCache remembers definitive verdicts by candidate content so an
// identical regeneration is not compiled twice. Timeouts and exec failures
// are never cached.
func WithVerdictCache(ttl, cleanup time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.cache = gocache.New(ttl, cleanup)
	}
}

// NewValidator returns a Validator backed by runner.
func NewValidator(runner *Runner, opts ...ValidatorOption) *Validator {
	v := &Validator{runner: runner}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var _ refine.Validator = (*Validator)(nil)

// Validate runs the staged candidate. Diagnostics mention the final file name
// instead of the staging path so feedback stays stable across attempts.
func (v *Validator) Validate(ctx context.Context, c refine.Candidate) (refine.Verdict, error) {
	key := v.cacheKey(c)
	if v.cache != nil {
		if cached, ok := v.cache.Get(key); ok {
			if verdict, ok := cached.(refine.Verdict); ok {
				logging.CodeQLDebug("verdict cache hit for %s", filepath.Base(c.Key))
				return verdict, nil
			}
		}
	}

	res, err := v.runner.RunQuery(ctx, c.Path, "")
	if err != nil {
		return refine.Verdict{}, err
	}

	verdict := refine.Verdict{OK: res.OK}
	if !res.OK {
		verdict.Diagnostic = strings.ReplaceAll(res.Diagnostic, c.Path, filepath.Base(c.Key))
	}
	if v.cache != nil && !res.TimedOut {
		v.cache.SetDefault(key, verdict)
	}
	return verdict, nil
}

func (v *Validator) cacheKey(c refine.Candidate) string {
	sum := sha256.Sum256([]byte(v.runner.Database() + "\x00" + filepath.Base(c.Key) + "\x00" + c.Text))
	return hex.EncodeToString(sum[:])
}
