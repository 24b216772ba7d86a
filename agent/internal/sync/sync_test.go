// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

package sync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/vutetech/opal/agent/internal/store"
)

func newTestStore(t *testing.T, dataBody string) *store.Adapter {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(dataBody))
	}))
	t.Cleanup(srv.Close)

	s, err := store.New(store.Config{URL: srv.URL, AuthType: "none"})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	return s
}

func TestReadyRequiresBothTransactionKinds(t *testing.T) {
	e := New(Config{}, nil, nil, nil)
	if e.Ready() {
		t.Error("Ready() = true before any transaction was recorded")
	}

	e.recordTransaction(transactionKindPolicy, "a.rego", true, nil)
	if e.Ready() {
		t.Error("Ready() = true after only a policy transaction")
	}

	e.recordTransaction(transactionKindData, "/", true, nil)
	if !e.Ready() {
		t.Error("Ready() = false after one successful policy and one successful data transaction")
	}
}

func TestHealthyAfterSuccessfulTransactions(t *testing.T) {
	e := New(Config{}, nil, nil, nil)
	e.recordTransaction(transactionKindPolicy, "a.rego", true, nil)
	e.recordTransaction(transactionKindData, "/", true, nil)

	if !e.Healthy() {
		t.Error("Healthy() = false, want true after successful transactions of both kinds")
	}
}

func TestUnhealthyAfterRecentFailure(t *testing.T) {
	e := New(Config{}, nil, nil, nil)
	e.recordTransaction(transactionKindPolicy, "a.rego", true, nil)
	e.recordTransaction(transactionKindData, "/", true, nil)
	e.recordTransaction(transactionKindPolicy, "b.rego", false, errors.New("boom"))

	if e.Healthy() {
		t.Error("Healthy() = true, want false after a recent failed transaction")
	}
	if !e.Ready() {
		t.Error("Ready() = false, want true: an old success still counts toward readiness")
	}
}

func TestHealthyRecoversAfterSubsequentSuccess(t *testing.T) {
	e := New(Config{}, nil, nil, nil)
	e.recordTransaction(transactionKindPolicy, "a.rego", false, errors.New("boom"))
	e.recordTransaction(transactionKindData, "/", true, nil)
	e.recordTransaction(transactionKindPolicy, "a.rego", true, nil)

	if !e.Healthy() {
		t.Error("Healthy() = false, want true once the most recent policy transaction succeeded")
	}
}

func TestTransactionLogIsBounded(t *testing.T) {
	e := New(Config{}, nil, nil, nil)
	for i := 0; i < transactionLogSize+50; i++ {
		e.recordTransaction(transactionKindPolicy, "x", true, nil)
	}
	if len(e.Transactions()) != transactionLogSize {
		t.Errorf("Transactions() len = %d, want %d", len(e.Transactions()), transactionLogSize)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.json")
	s := newTestStore(t, `{"result":{"region":"eu"}}`)

	e := New(Config{BackupPath: path}, nil, nil, s)
	e.lastRevision = 42
	e.lastBundleHash = "abc123"
	e.recordTransaction(transactionKindPolicy, "a.rego", true, nil)

	e.backup(context.Background())

	restoredStore := newTestStore(t, `{"result":{}}`)
	restored := New(Config{BackupPath: path}, nil, nil, restoredStore)
	if err := restored.restore(context.Background()); err != nil {
		t.Fatalf("restore() error = %v", err)
	}
	if restored.lastRevision != 42 {
		t.Errorf("restored lastRevision = %d, want 42", restored.lastRevision)
	}
	if restored.lastBundleHash != "abc123" {
		t.Errorf("restored lastBundleHash = %q, want %q", restored.lastBundleHash, "abc123")
	}
	// the prior transaction log plus the two synthetic offline-restore
	// transactions restore() appends.
	if len(restored.Transactions()) != 3 {
		t.Errorf("restored Transactions() len = %d, want 3", len(restored.Transactions()))
	}
	if !restored.Ready() {
		t.Error("Ready() = false immediately after a successful offline restore")
	}
}

func TestRestoreMissingFileIsNotAnError(t *testing.T) {
	e := New(Config{BackupPath: filepath.Join(t.TempDir(), "missing.json")}, nil, nil, nil)
	if err := e.restore(context.Background()); err != nil {
		t.Errorf("restore() error = %v, want nil when no backup exists yet", err)
	}
}

func TestRecordTransactionAssignsUniqueIDs(t *testing.T) {
	e := New(Config{}, nil, nil, nil)
	e.recordTransaction(transactionKindPolicy, "a.rego", true, nil)
	e.recordTransaction(transactionKindPolicy, "b.rego", true, nil)

	txs := e.Transactions()
	if txs[0].ID == "" || txs[1].ID == "" {
		t.Fatal("recordTransaction() left Transaction.ID empty")
	}
	if txs[0].ID == txs[1].ID {
		t.Errorf("recordTransaction() assigned the same ID twice: %s", txs[0].ID)
	}
}

func TestPolicyTopicsIncludesRootAndNamedDirs(t *testing.T) {
	topics := policyTopics([]string{"billing"}, []string{".", "rbac"})
	want := map[string]bool{"billing": true, "policy:.": true, "policy:rbac": true}
	if len(topics) != len(want) {
		t.Fatalf("policyTopics() = %v, want %d entries", topics, len(want))
	}
	for _, top := range topics {
		if !want[top] {
			t.Errorf("unexpected topic %q", top)
		}
	}
}
