// Copyright 2024 by the Authors
// This file is part of the contractvm library.
//
// The contractvm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The contractvm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the contractvm library. If not, see <http://www.gnu.org/licenses/>.

// Package vm is the top-level orchestrator described in spec §4.6: it owns
// the ContractStore and the registry of known commit roots, spawns
// sessions rooted at a chosen base commit, and serialises the one
// destructive operation — commit deletion — against whatever sessions are
// still reading that root.
package vm

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/corevm/contractvm/common"
	"github.com/corevm/contractvm/engine"
	"github.com/corevm/contractvm/session"
	"github.com/corevm/contractvm/store"
)

// VM owns one base directory's ContractStore, the shared compiled-artifact
// cache, and the registry of commit roots with live readers.
type VM struct {
	baseDir   string
	ephemeral bool

	store         *store.Store
	eng           *engine.Engine
	queryRegistry *engine.Registry
	log           *zap.Logger

	commits *commitRegistry
}

type config struct {
	log                  *zap.Logger
	queryRegistry        *engine.Registry
	artifactCacheEntries int
}

// Option configures a VM at construction time.
type Option func(*config)

// WithLogger attaches a zap logger; sessions opened from this VM log
// contract hdebug output through it.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithQueryRegistry supplies a pre-populated host query registry (spec
// §6.3 `hq`). Without this option a VM starts with an empty registry and
// the caller can still populate it via (*VM).HostQueries after Open.
func WithQueryRegistry(r *engine.Registry) Option {
	return func(c *config) { c.queryRegistry = r }
}

// WithArtifactCacheEntries bounds the number of compiled-module artifacts
// the shared engine keeps cached.
func WithArtifactCacheEntries(n int) Option {
	return func(c *config) { c.artifactCacheEntries = n }
}

// Open opens (or creates) a VM rooted at baseDir, restoring its known-roots
// registry from a `commits` file there if one exists.
func Open(baseDir string, opts ...Option) (*VM, error) {
	cfg := config{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}
	if cfg.queryRegistry == nil {
		cfg.queryRegistry = engine.NewRegistry()
	}

	st, err := store.Open(baseDir)
	if err != nil {
		return nil, errors.Wrap(err, "vm: open store")
	}
	eng, err := engine.New(cfg.artifactCacheEntries)
	if err != nil {
		return nil, errors.Wrap(err, "vm: create engine")
	}

	v := &VM{
		baseDir:       baseDir,
		store:         st,
		eng:           eng,
		queryRegistry: cfg.queryRegistry,
		log:           cfg.log,
		commits:       newCommitRegistry(),
	}
	if err := v.restore(); err != nil {
		_ = eng.Close(context.Background())
		return nil, err
	}
	return v, nil
}

// Ephemeral creates a VM in a fresh temporary directory, for tests and
// throwaway tooling; Close removes the directory.
func Ephemeral(opts ...Option) (*VM, error) {
	dir, err := os.MkdirTemp("", "contractvm-")
	if err != nil {
		return nil, errors.Wrap(err, "vm: create ephemeral base dir")
	}
	v, err := Open(dir, opts...)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	v.ephemeral = true
	return v, nil
}

// BaseDir returns the directory the underlying ContractStore is rooted at.
func (v *VM) BaseDir() string { return v.baseDir }

// HostQueries returns the registry guests reach through the `hq` host
// import, so callers can register domain-specific queries after Open.
func (v *VM) HostQueries() *engine.Registry { return v.queryRegistry }

// KnownRoots lists every commit root this VM currently knows about.
func (v *VM) KnownRoots() []common.Root {
	v.commits.mu.Lock()
	defer v.commits.mu.Unlock()
	out := make([]common.Root, 0, len(v.commits.known))
	for root := range v.commits.known {
		out = append(out, root)
	}
	return out
}

// ReaderCount reports the number of sessions currently holding root open.
func (v *VM) ReaderCount(root common.Root) int { return v.commits.refcountOf(root) }

// Session opens a new session. A nil baseRoot starts a genesis session
// with no parent commit; otherwise the VM takes a reader reference on
// baseRoot for the session's lifetime, released the moment it commits or
// is discarded.
func (v *VM) Session(baseRoot *common.Root) (*Session, error) {
	if baseRoot == nil {
		inner := session.New(v.eng, v.store, v.queryRegistry, v.log, common.Root{}, nil)
		return &Session{Session: inner, vm: v}, nil
	}

	root := *baseRoot
	if err := v.commits.acquire(root); err != nil {
		return nil, err
	}
	view, err := v.store.OpenCommit(root)
	if err != nil {
		v.commits.release(root)
		return nil, errors.Wrapf(err, "vm: open commit %s", root.Hex())
	}
	inner := session.New(v.eng, v.store, v.queryRegistry, v.log, root, view)
	return &Session{Session: inner, vm: v, root: root, hasParent: true}, nil
}

// DeleteCommit removes root's on-disk directory once every session reading
// it has released its reference, per spec §4.2's concurrency rule and the
// §8 "commit delete safety" property. New sessions against root fail with
// ErrCommitDeleting while this is pending. If ctx is cancelled before the
// refcount reaches zero, DeleteCommit gives up without deleting anything
// and root becomes open to new sessions again.
func (v *VM) DeleteCommit(ctx context.Context, root common.Root) error {
	if err := v.commits.beginDelete(root); err != nil {
		return err
	}
	if err := v.commits.waitZero(ctx, root); err != nil {
		v.commits.cancelDelete(root)
		return err
	}
	if err := v.store.Delete(root); err != nil {
		v.commits.cancelDelete(root)
		return errors.Wrapf(err, "vm: delete commit %s", root.Hex())
	}
	v.commits.finishDelete(root)
	return nil
}

// Close releases the shared wazero runtime and, for an Ephemeral VM,
// removes its temporary base directory. It does not implicitly Persist;
// callers that want the commits file written on shutdown should call
// Persist first.
func (v *VM) Close(ctx context.Context) error {
	err := v.eng.Close(ctx)
	if v.ephemeral {
		_ = os.RemoveAll(v.baseDir)
	}
	return err
}
