package app

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"fireframe/internal/models"
	"fireframe/internal/posts"
	"fireframe/internal/profiles"
	"fireframe/internal/provider"
)

// Check is the outcome of probing one capability.
type Check struct {
	Name    string        `json:"name" yaml:"name"`
	OK      bool          `json:"ok" yaml:"ok"`
	Detail  string        `json:"detail,omitempty" yaml:"detail,omitempty"`
	Latency time.Duration `json:"latency_ns" yaml:"latency"`
}

// Report collects every Check. OK is true when all passed.
type Report struct {
	OK     bool    `json:"ok" yaml:"ok"`
	Checks []Check `json:"checks" yaml:"checks"`
}

// Failed returns the names of the checks that did not pass.
func (r Report) Failed() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.OK {
			out = append(out, c.Name)
		}
	}
	return out
}

// healthChecker is implemented by providers that can ping their own
// backing resources.
type healthChecker interface {
	Health(ctx context.Context) map[string]error
}

const sentinelObject = ".fireframe-sentinel"

// Diagnose checks the tables, storage, auth and realtime capabilities and,
// when the provider supports it, its backing resources. It never returns an
// error; failures are reported per check.
func (a *App) Diagnose(ctx context.Context) Report {
	p := a.provider
	checks := []struct {
		name string
		run  func(context.Context) (string, error)
	}{
		{"tables.posts", func(ctx context.Context) (string, error) {
			var rows []models.PostRow
			err := p.Tables().Select(ctx, posts.Table, provider.Query{Limit: 1}, &rows)
			if provider.IsNoRows(err) {
				return "table empty", nil
			}
			return "", err
		}},
		{"tables.users", func(ctx context.Context) (string, error) {
			var rows []models.UserRow
			return "", p.Tables().Select(ctx, profiles.Table, provider.Query{Limit: 1}, &rows)
		}},
		{"storage", func(ctx context.Context) (string, error) {
			rc, _, err := p.Storage().Download(ctx, posts.Bucket, sentinelObject)
			if err == nil {
				_ = rc.Close()
				return "sentinel object present", nil
			}
			if provider.HasCode(err, provider.CodeNotFound) {
				return "reachable", nil
			}
			return "", err
		}},
		{"auth", func(ctx context.Context) (string, error) {
			sess, err := p.Auth().GetSession(ctx)
			if err != nil {
				return "", err
			}
			if sess != nil {
				return "authenticated", nil
			}
			return "not authenticated", nil
		}},
		{"realtime", func(ctx context.Context) (string, error) {
			unsub, err := p.Realtime().Subscribe(ctx, provider.Subscription{Table: posts.Table}, func(provider.ChangeEvent) {})
			if err != nil {
				return "", err
			}
			unsub()
			return "", nil
		}},
	}

	report := Report{OK: true}
	for _, c := range checks {
		start := time.Now()
		detail, err := c.run(ctx)
		report.add(c.name, detail, err, time.Since(start))
	}

	if hc, ok := p.(healthChecker); ok {
		start := time.Now()
		results := hc.Health(ctx)
		elapsed := time.Since(start)
		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			report.add("resource."+name, "", results[name], elapsed)
		}
	}

	if !report.OK {
		a.log.WarnContext(ctx, "diagnostics found problems", slog.Any("failed", report.Failed()))
	}
	return report
}

func (r *Report) add(name, detail string, err error, latency time.Duration) {
	c := Check{Name: name, OK: err == nil, Detail: detail, Latency: latency}
	if err != nil {
		c.Detail = err.Error()
		r.OK = false
	}
	r.Checks = append(r.Checks, c)
}

// ErrUnhealthy is returned by callers that turn a failed Report into an error.
var ErrUnhealthy = errors.New("one or more capabilities are unavailable")
