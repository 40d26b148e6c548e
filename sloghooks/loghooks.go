package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/syncstore"
	"github.com/unkn0wn-root/syncstore/internal/util"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery uint64
	DedupeEvery   uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	dedupeCtr   atomic.Uint64
}

var _ syncstore.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return util.RedactKey(k)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) FetchDeduplicated(key string) {
	if h.l == nil || !sample(h.opts.DedupeEvery, &h.dedupeCtr) {
		return
	}
	h.l.Debug("syncstore.fetch_deduplicated", "key", key)
}

func (h *Hooks) FetchFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("syncstore.fetch_failed",
		"key", key,
		"err", err)
}

func (h *Hooks) StaleWriteDropped(key string) {
	if h.l == nil {
		return
	}
	h.l.Info("syncstore.stale_write_dropped", "key", key)
}

func (h *Hooks) SelfHealEntry(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("syncstore.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("syncstore.provider_set_rejected", "key", h.redact(storageKey))
}

func (h *Hooks) GenError(op, storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("syncstore.gen_error",
		"op", op,
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) DeleteTreatedAsSuccess(key, collection, id string) {
	if h.l == nil {
		return
	}
	h.l.Info("syncstore.delete_already_gone",
		"key", key,
		"collection", collection,
		"id", id)
}

func (h *Hooks) CredentialsRefreshed() {
	if h.l == nil {
		return
	}
	h.l.Debug("syncstore.credentials_refreshed")
}

func (h *Hooks) SessionExpired(reason string) {
	if h.l == nil {
		return
	}
	h.l.Error("syncstore.session_expired", "reason", reason)
}
