// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package tracker implements the policy source tracker (C3): it follows
// either a git repository or a remote bundle endpoint, detects changes
// (via polling, webhook, or both), and hands the new commit/bundle hash
// to the bundle builder. Only the elected leader replica actually
// polls/clones; followers stay idle so multiple replicas never race to
// publish the same update twice.
package tracker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/robfig/cron/v3"
)

// ErrNotLeader is returned by operations that require leadership when
// called on a follower replica.
var ErrNotLeader = errors.New("tracker: this replica is not the leader")

// Elector abstracts leader election so a single-binary test run can use
// a trivial always-leader implementation while a multi-replica
// deployment uses a real lock.
type Elector interface {
	// TryAcquire attempts to become leader, returning true on success.
	// Implementations must be safe to call repeatedly (e.g. on a timer)
	// to renew an already-held lock.
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Source is the thing being tracked: either a git repository or a
// remote bundle endpoint.
type Source struct {
	Type   string // "git" or "bundle"
	Commit string // current known git commit hash, or bundle ETag/hash
}

// ChangeCallback is invoked whenever the tracked source advances to a
// new commit/hash. oldCommit is "" on first discovery.
type ChangeCallback func(oldCommit, newCommit string)

// Tracker polls (or waits on webhooks for) a single policy source.
type Tracker struct {
	cfg      Config
	elector  Elector
	onChange ChangeCallback
	schedule cron.Schedule

	mu      sync.Mutex
	current Source
	leader  bool

	httpClient *http.Client
}

// Config configures a Tracker. Exactly one of GitURL or BundleURL
// should be set, matching Type.
type Config struct {
	Type             string
	GitURL           string
	GitBranch        string
	GitClonePath     string
	PollingInterval  time.Duration
	BundleURL        string
	BundlePollPeriod time.Duration
	// BundlePollCron, when set, schedules bundle polling with a standard
	// five-field cron expression instead of BundlePollPeriod's fixed
	// interval — e.g. "*/5 * * * *" to poll every 5 minutes only on the
	// minute, or "0 * * * *" for hourly. BundlePollPeriod is ignored when
	// this is set.
	BundlePollCron string
	WebhookSecret  string
	WebhookScheme  string // "token" or "hmac-sha256"
	// WebhookBranch, when set, is compared against the webhook payload's
	// "ref" field (GitHub/GitLab push-event convention,
	// "refs/heads/<branch>"); a mismatched ref is ignored rather than
	// triggering a poll. Payloads without a "ref" field, or an unset
	// WebhookBranch, always trigger a poll.
	WebhookBranch string
}

// New constructs a Tracker. onChange is called with the old and new
// commit hash every time a new revision of the source is discovered
// while this replica holds leadership.
func New(cfg Config, elector Elector, onChange ChangeCallback) *Tracker {
	t := &Tracker{
		cfg:        cfg,
		elector:    elector,
		onChange:   onChange,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	if cfg.Type == "bundle" && cfg.BundlePollCron != "" {
		if sched, err := cron.ParseStandard(cfg.BundlePollCron); err == nil {
			t.schedule = sched
		} else {
			log.Printf("tracker: invalid BundlePollCron %q, falling back to BundlePollPeriod: %v", cfg.BundlePollCron, err)
		}
	}
	return t
}

// Run blocks, polling the source on the configured interval until ctx
// is cancelled. Each tick first attempts to (re)acquire leadership;
// only the leader polls and publishes changes.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.tick(ctx); err != nil {
		log.Printf("tracker: initial poll failed: %v", err)
	}

	if t.schedule != nil {
		return t.runCron(ctx)
	}
	return t.runTicker(ctx)
}

func (t *Tracker) runTicker(ctx context.Context) error {
	interval := t.cfg.PollingInterval
	if t.cfg.Type == "bundle" {
		interval = t.cfg.BundlePollPeriod
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if t.isLeader() {
				_ = t.elector.Release(context.Background())
			}
			return nil
		case <-ticker.C:
			if err := t.tick(ctx); err != nil {
				log.Printf("tracker: poll failed: %v", err)
			}
		}
	}
}

// runCron drives polling off a parsed cron.Schedule instead of a fixed
// interval, recomputing the next fire time after every tick so schedules
// like "0 * * * *" stay aligned to the wall clock instead of drifting.
func (t *Tracker) runCron(ctx context.Context) error {
	for {
		next := t.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			if t.isLeader() {
				_ = t.elector.Release(context.Background())
			}
			return nil
		case <-timer.C:
			if err := t.tick(ctx); err != nil {
				log.Printf("tracker: poll failed: %v", err)
			}
		}
	}
}

func (t *Tracker) tick(ctx context.Context) error {
	acquired, err := t.elector.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("leader election failed: %w", err)
	}
	t.mu.Lock()
	t.leader = acquired
	t.mu.Unlock()
	if !acquired {
		return nil
	}

	var newCommit string
	if t.cfg.Type == "git" {
		newCommit, err = t.pollGit(ctx)
	} else {
		newCommit, err = t.pollBundle(ctx)
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	old := t.current.Commit
	changed := newCommit != "" && newCommit != old
	if changed {
		t.current.Commit = newCommit
	}
	t.mu.Unlock()

	if changed {
		t.onChange(old, newCommit)
	}
	return nil
}

func (t *Tracker) isLeader() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leader
}

// pollGit clones the repository on first run, or fetches and checks the
// branch tip thereafter, returning the current commit hash.
func (t *Tracker) pollGit(ctx context.Context) (string, error) {
	repo, err := git.PlainOpen(t.cfg.GitClonePath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainCloneContext(ctx, t.cfg.GitClonePath, false, &git.CloneOptions{
			URL:           t.cfg.GitURL,
			ReferenceName: plumbing.NewBranchReferenceName(t.cfg.GitBranch),
			SingleBranch:  true,
		})
		if err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("git open failed: %w", err)
	} else {
		wt, err := repo.Worktree()
		if err != nil {
			return "", fmt.Errorf("git worktree failed: %w", err)
		}
		err = wt.PullContext(ctx, &git.PullOptions{
			ReferenceName: plumbing.NewBranchReferenceName(t.cfg.GitBranch),
			SingleBranch:  true,
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return "", fmt.Errorf("git pull failed: %w", err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("git head failed: %w", err)
	}
	return head.Hash().String(), nil
}

// pollBundle issues a conditional GET against the bundle endpoint using
// If-None-Match, returning the new ETag when the bundle has changed, or
// "" when the server reports 304 Not Modified.
func (t *Tracker) pollBundle(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BundleURL, nil)
	if err != nil {
		return "", fmt.Errorf("bundle request build failed: %w", err)
	}

	t.mu.Lock()
	etag := t.current.Commit
	t.mu.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("bundle poll failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bundle poll returned status %d", resp.StatusCode)
	}
	return resp.Header.Get("ETag"), nil
}

// HandleWebhook validates an inbound webhook request against the
// configured scheme (a static bearer token, or an HMAC-SHA256 signature
// over the request body) and triggers an immediate poll on success.
func (t *Tracker) HandleWebhook(ctx context.Context, headers http.Header, body []byte) error {
	switch t.cfg.WebhookScheme {
	case "", "token":
		presented := headers.Get("Authorization")
		if presented != "Bearer "+t.cfg.WebhookSecret {
			return fmt.Errorf("tracker: webhook token mismatch")
		}
	case "hmac-sha256":
		sig := headers.Get("X-Hub-Signature-256")
		if !validHMACSignature(t.cfg.WebhookSecret, body, sig) {
			return fmt.Errorf("tracker: webhook signature mismatch")
		}
	default:
		return fmt.Errorf("tracker: unknown webhook scheme %q", t.cfg.WebhookScheme)
	}

	if !t.refMatchesTrackedBranch(body) {
		log.Printf("tracker: ignoring webhook for unrelated ref")
		return nil
	}

	return t.tick(ctx)
}

// refMatchesTrackedBranch reports whether the webhook payload's "ref"
// field (if any) names the tracked branch. A payload with no "ref"
// field, an unparseable body, or an unset WebhookBranch always matches,
// so tightening this check is opt-in.
func (t *Tracker) refMatchesTrackedBranch(body []byte) bool {
	if t.cfg.WebhookBranch == "" {
		return true
	}
	var payload struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Ref == "" {
		return true
	}
	return payload.Ref == "refs/heads/"+t.cfg.WebhookBranch || payload.Ref == t.cfg.WebhookBranch
}

func validHMACSignature(secret string, body []byte, presented string) bool {
	const prefix = "sha256="
	if len(presented) <= len(prefix) || presented[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(presented[len(prefix):]))
}

// CurrentCommit returns the most recently observed commit/hash.
func (t *Tracker) CurrentCommit() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.Commit
}
