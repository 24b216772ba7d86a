// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package sync implements the client sync engine (C6): it drives the
// reconnect loop against the server's websocket stream, applies
// incoming bundles/data updates to the policy store, keeps a bounded
// transaction log to derive health/ready status, and periodically
// backs up the store's data document so an offline restart can serve
// stale-but-present data until connectivity returns.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vutetech/opal/server/pkg/wire"

	"github.com/vutetech/opal/agent/internal/client"
	"github.com/vutetech/opal/agent/internal/fetch"
	"github.com/vutetech/opal/agent/internal/store"
)

// State is the sync engine's current lifecycle state, reported by the
// agent's own healthcheck surface.
type State string

const (
	StateInit          State = "init"
	StateConnecting    State = "connecting"
	StateBootstrapping State = "bootstrapping"
	StateConnected     State = "connected"
	StateDegraded      State = "degraded"
	StateStopped       State = "stopped"
)

const transactionLogSize = 200

// tokenRefreshMargin is how far ahead of its expiry a client JWT is
// proactively rotated, so a reconnect never lands on an already-expired
// token.
const tokenRefreshMargin = 2 * time.Minute

// transactionKindPolicy and transactionKindData are the two families
// wire.Transaction.Kind distinguishes; the health predicate (P7) counts
// successes and failures per family independently.
const (
	transactionKindPolicy = "policy"
	transactionKindData   = "data"
)

// Engine drives policy/data sync for a single client identity.
type Engine struct {
	clientID string
	topics   []string
	dataDirs []string // subscription dirs passed through to GET /policy

	client *client.Client
	fetch  *fetch.Engine
	store  *store.Adapter

	backupPath         string
	backupInterval     time.Duration
	offlineMode        bool
	enqueueTimeout     time.Duration
	masterToken        string
	healthcheckDocPath string

	mu                sync.Mutex
	state             State
	lastRevision      int64
	lastBundleHash    string
	transactions      []wire.Transaction
	everPolicySuccess bool
	everDataSuccess   bool
	lastPolicySuccess bool
	lastDataSuccess   bool
}

// Config configures an Engine.
type Config struct {
	ClientID           string
	Topics             []string
	PolicyDirs         []string
	BackupPath         string
	BackupInterval     time.Duration
	OfflineMode        bool
	EnqueueTimeout     time.Duration
	MasterToken        string
	HealthcheckDocPath string
}

// New builds an Engine wired to c (server transport), f (fetch engine),
// and s (policy store adapter).
func New(cfg Config, c *client.Client, f *fetch.Engine, s *store.Adapter) *Engine {
	return &Engine{
		clientID:           cfg.ClientID,
		topics:             policyTopics(cfg.Topics, cfg.PolicyDirs),
		dataDirs:           cfg.PolicyDirs,
		client:             c,
		fetch:              f,
		store:              s,
		backupPath:         cfg.BackupPath,
		backupInterval:     cfg.BackupInterval,
		offlineMode:        cfg.OfflineMode,
		enqueueTimeout:     cfg.EnqueueTimeout,
		masterToken:        cfg.MasterToken,
		healthcheckDocPath: cfg.HealthcheckDocPath,
		state:              StateInit,
	}
}

// policyTopics builds the full topic subscription list: the caller's
// plain data-update topics, plus one "policy:<dir>" topic per
// subscribed policy directory ("." maps to the reserved root topic so
// it always receives every policy change regardless of which
// subdirectory it touched).
func policyTopics(topics, policyDirs []string) []string {
	out := append([]string(nil), topics...)
	if len(policyDirs) == 0 {
		policyDirs = []string{"."}
	}
	for _, d := range policyDirs {
		d = strings.TrimSuffix(strings.TrimPrefix(d, "./"), "/")
		if d == "" {
			d = "."
		}
		out = append(out, "policy:"+d)
	}
	return out
}

// Run blocks, bootstrapping then streaming updates, reconnecting with
// exponential backoff on failure, until ctx is cancelled. On shutdown
// it takes a final backup before returning.
func (e *Engine) Run(ctx context.Context) error {
	defer e.backup(context.Background())

	if e.offlineMode {
		if e.client.Healthcheck(ctx) != nil {
			if err := e.restore(ctx); err != nil {
				log.Printf("sync: offline restore failed: %v", err)
			} else {
				log.Println("sync: restored from offline backup, server unreachable")
			}
		}
	}

	backupTicker := time.NewTicker(e.backupInterval)
	defer backupTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-backupTicker.C:
				e.backup(ctx)
			}
		}
	}()

	if e.masterToken != "" {
		tokenTicker := time.NewTicker(30 * time.Second)
		defer tokenTicker.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-tokenTicker.C:
					e.rotateTokenIfExpiring(ctx)
				}
			}
		}()
	}

	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			e.setState(StateStopped)
			return nil
		default:
		}

		e.setState(StateConnecting)
		if err := e.bootstrapAndStream(ctx); err != nil {
			e.setState(StateDegraded)
			log.Printf("sync: stream failed, retrying in %s: %v", backoff, err)

			select {
			case <-ctx.Done():
				e.setState(StateStopped)
				return nil
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func (e *Engine) bootstrapAndStream(ctx context.Context) error {
	e.setState(StateBootstrapping)

	if e.lastRevision == 0 {
		if err := e.bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}
	}

	e.setState(StateConnected)
	return e.client.Stream(ctx, e.clientID, e.topics, e.lastRevision, func(env *wire.Envelope) {
		e.handleEnvelope(ctx, env)
	})
}

func (e *Engine) bootstrap(ctx context.Context) error {
	bdl, err := e.client.FetchPolicyBundle(ctx, e.currentBundleHash(), e.dataDirs)
	if err != nil {
		return err
	}
	policyCount, dataCountFromBundle := e.applyBundle(ctx, bdl)

	dataConfig, err := e.client.FetchDataConfig(ctx)
	if err != nil {
		return err
	}
	dataCountFromConfig := e.applyDataConfig(ctx, dataConfig)

	if policyCount == 0 {
		e.recordTransaction(transactionKindPolicy, "bootstrap:"+bdl.NewHash, true, nil)
	}
	if dataCountFromBundle+dataCountFromConfig == 0 {
		e.recordTransaction(transactionKindData, "bootstrap", true, nil)
	}
	return nil
}

func (e *Engine) handleEnvelope(ctx context.Context, env *wire.Envelope) {
	switch env.Type {
	case wire.UpdateTypeResync:
		if err := e.bootstrap(ctx); err != nil {
			e.recordTransaction(transactionKindPolicy, "resync", false, err)
			return
		}
	case wire.UpdateTypePolicy:
		if env.Bundle != nil {
			e.applyBundle(ctx, env.Bundle)
		}
	case wire.UpdateTypeData:
		if env.DataUpdate != nil {
			e.applyDataUpdate(ctx, env.DataUpdate)
		}
	}

	e.mu.Lock()
	if env.Revision > e.lastRevision {
		e.lastRevision = env.Revision
	}
	e.mu.Unlock()
}

// applyBundle writes every policy and data change in bdl to the store,
// returning how many policy and data transactions it recorded so the
// caller can tell a genuinely empty bundle apart from one it never
// looked at.
func (e *Engine) applyBundle(ctx context.Context, bdl *wire.Bundle) (policyCount, dataCount int) {
	for _, path := range bdl.Deleted {
		err := e.store.DeletePolicy(ctx, path)
		e.recordTransaction(transactionKindPolicy, path, err == nil, err)
		policyCount++
	}
	for _, module := range bdl.PolicyModules {
		err := e.store.PutPolicy(ctx, module.Path, module.Rego)
		e.recordTransaction(transactionKindPolicy, module.Path, err == nil, err)
		policyCount++
	}
	for _, p := range bdl.DeletedData {
		err := e.store.DeleteData(ctx, p)
		e.recordTransaction(transactionKindData, p, err == nil, err)
		dataCount++
	}
	for _, dm := range bdl.DataModules {
		err := e.store.PutData(ctx, dm.Path, dm.Data)
		e.recordTransaction(transactionKindData, dm.Path, err == nil, err)
		dataCount++
	}

	e.mu.Lock()
	if bdl.NewHash != "" {
		e.lastBundleHash = bdl.NewHash
	}
	e.mu.Unlock()

	e.writeHealthcheckDoc(ctx)
	return policyCount, dataCount
}

func (e *Engine) applyDataConfig(ctx context.Context, cfg *wire.DataSourceConfig) int {
	directives := make([]wire.DataUpdateDirective, len(cfg.Entries))
	for i, entry := range cfg.Entries {
		directives[i] = wire.DataUpdateDirective{URL: entry.URL, Topics: entry.Topics, DstPath: entry.Dst}
	}
	return e.fetchAndApply(ctx, directives, nil, nil)
}

func (e *Engine) applyDataUpdate(ctx context.Context, update *wire.DataUpdate) {
	e.fetchAndApply(ctx, update.Entries, update.Callbacks, update.CallbackConfig)
	e.reportCallbacks(ctx, update)
}

func (e *Engine) fetchAndApply(ctx context.Context, directives []wire.DataUpdateDirective, _ []string, _ *wire.CallbackConfig) int {
	results := e.fetch.FetchAll(ctx, directives, e.enqueueTimeout)

	fetched := make(map[string]any, len(results))
	count := 0
	for _, r := range results {
		if r.Err != nil {
			e.recordTransaction(transactionKindData, r.Directive.URL, false, r.Err)
			count++
			continue
		}
		fetched[r.Directive.URL] = r.Data
	}

	update := &wire.DataUpdate{Entries: directives}
	failedPaths := make(map[string]struct{})
	for _, err := range e.store.ApplyDataUpdate(ctx, update, fetched) {
		for _, entry := range directives {
			if strings.Contains(err.Error(), entry.DstPath) {
				failedPaths[entry.DstPath] = struct{}{}
			}
		}
	}
	for _, entry := range directives {
		if _, ok := fetched[entry.URL]; !ok {
			continue
		}
		_, failed := failedPaths[entry.DstPath]
		var applyErr error
		if failed {
			applyErr = fmt.Errorf("store: apply to %s failed", entry.DstPath)
		}
		e.recordTransaction(transactionKindData, entry.DstPath, !failed, applyErr)
		count++
	}

	e.writeHealthcheckDoc(ctx)
	return count
}

// reportCallbacks POSTs the outcome of an applied data update back to
// every callback URL the update named. Failures are logged, not
// recorded as transactions: a dead callback receiver doesn't mean the
// data update itself failed.
func (e *Engine) reportCallbacks(ctx context.Context, update *wire.DataUpdate) {
	if len(update.Callbacks) == 0 {
		return
	}
	report := map[string]any{
		"update_id": update.ID,
		"client_id": e.clientID,
		"reason":    update.Reason,
		"reported_at": time.Now(),
	}
	for _, url := range update.Callbacks {
		if err := e.client.PostCallback(ctx, url, update.CallbackConfig, report); err != nil {
			log.Printf("sync: callback report to %s failed: %v", url, err)
		}
	}
}

func (e *Engine) writeHealthcheckDoc(ctx context.Context) {
	if e.healthcheckDocPath == "" {
		return
	}
	doc := map[string]any{
		"ready":   e.Ready(),
		"healthy": e.Healthy(),
		"updated": time.Now(),
	}
	if err := e.store.PutHealthcheck(ctx, e.healthcheckDocPath, doc); err != nil {
		log.Printf("sync: healthcheck document write failed: %v", err)
	}
}

func (e *Engine) recordTransaction(kind, detail string, success bool, err error) {
	tx := wire.Transaction{ID: uuid.NewString(), Kind: kind, Detail: detail, Success: success, Timestamp: time.Now()}
	if err != nil {
		tx.Error = err.Error()
	}

	e.mu.Lock()
	e.transactions = append(e.transactions, tx)
	if len(e.transactions) > transactionLogSize {
		e.transactions = e.transactions[len(e.transactions)-transactionLogSize:]
	}
	switch kind {
	case transactionKindPolicy:
		e.lastPolicySuccess = success
		if success {
			e.everPolicySuccess = true
		}
	case transactionKindData:
		e.lastDataSuccess = success
		if success {
			e.everDataSuccess = true
		}
	}
	e.mu.Unlock()
}

func (e *Engine) currentBundleHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastBundleHash
}

func (e *Engine) rotateTokenIfExpiring(ctx context.Context) {
	expiry, ok := e.client.TokenExpiry()
	if !ok || time.Until(expiry) > tokenRefreshMargin {
		return
	}
	if _, err := e.client.FetchToken(ctx, e.masterToken, e.clientID); err != nil {
		log.Printf("sync: token rotation failed: %v", err)
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Ready reports whether the client has applied at least one successful
// policy transaction and at least one successful data transaction since
// start (or since the last offline restore), independent of
// connectivity — a client serving stale-but-valid data while the server
// is unreachable is still ready.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.everPolicySuccess && e.everDataSuccess
}

// Healthy reports whether the client is ready and its most recent
// policy and data transactions both succeeded. An old failure that has
// since been superseded by a success does not count against health.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.everPolicySuccess && e.everDataSuccess && e.lastPolicySuccess && e.lastDataSuccess
}

// Transactions returns a copy of the recent transaction log.
func (e *Engine) Transactions() []wire.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]wire.Transaction, len(e.transactions))
	copy(out, e.transactions)
	return out
}

// backupSnapshot is the on-disk shape of an offline backup: the last
// applied revision/bundle hash, the transaction log, and a full export
// of the policy store's data tree (via C8) so a subsequent offline
// restart can serve it back into the store.
type backupSnapshot struct {
	LastRevision   int64              `json:"last_revision"`
	LastBundleHash string             `json:"last_bundle_hash"`
	Transactions   []wire.Transaction `json:"transactions"`
	Data           json.RawMessage    `json:"data,omitempty"`
}

// backup exports the store's full data document and writes it, along
// with sync state, atomically to disk so an offline restart has
// something to restore into a fresh policy engine instance.
func (e *Engine) backup(ctx context.Context) {
	if e.backupPath == "" {
		return
	}

	data, err := e.store.GetData(ctx, "/")
	if err != nil {
		log.Printf("sync: backup data export failed, keeping previous backup: %v", err)
		return
	}

	e.mu.Lock()
	snapshot := backupSnapshot{
		LastRevision:   e.lastRevision,
		LastBundleHash: e.lastBundleHash,
		Transactions:   e.transactions,
		Data:           data,
	}
	e.mu.Unlock()

	encoded, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("sync: backup marshal failed: %v", err)
		return
	}

	tmp := e.backupPath + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0600); err != nil {
		log.Printf("sync: backup write to %s failed: %v", tmp, err)
		return
	}
	if err := os.Rename(tmp, e.backupPath); err != nil {
		log.Printf("sync: backup rename to %s failed: %v", e.backupPath, err)
	}
}

// restore reloads a prior backup and replays it into the policy store,
// so an offline restart with the server unreachable still serves the
// last known-good data and reports ready almost immediately, per the
// offline mode contract.
func (e *Engine) restore(ctx context.Context) error {
	raw, err := os.ReadFile(e.backupPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync: backup read failed: %w", err)
	}

	var snapshot backupSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("sync: backup decode failed: %w", err)
	}

	if len(snapshot.Data) > 0 {
		if err := e.store.PutData(ctx, "/", snapshot.Data); err != nil {
			return fmt.Errorf("sync: backup data restore failed: %w", err)
		}
	}

	e.mu.Lock()
	e.lastRevision = snapshot.LastRevision
	e.lastBundleHash = snapshot.LastBundleHash
	e.transactions = snapshot.Transactions
	e.mu.Unlock()

	e.recordTransaction(transactionKindPolicy, "offline-restore", true, nil)
	e.recordTransaction(transactionKindData, "offline-restore", true, nil)
	return nil
}
