package clusterd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/clock"
	"pkt.systems/clusterd/internal/store"
	"pkt.systems/clusterd/internal/store/boltstore"
	"pkt.systems/clusterd/internal/store/etcdstore"
	"pkt.systems/clusterd/internal/store/logging"
	"pkt.systems/clusterd/internal/store/memory"
	"pkt.systems/clusterd/internal/store/retry"
	"pkt.systems/clusterd/internal/svcfields"
)

// Store hands out coordination store sessions. Every role (a controller
// candidate, a participant, the admin client) gets its own session so
// ephemeral nodes are owned by the process part that created them.
type Store struct {
	scheme string
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock
	pool   *store.Pool

	ens     *memory.Ensemble
	ownsEns bool
	etcd    etcdstore.Config

	mu  sync.Mutex
	raw map[string]*memory.Client
}

// openStore resolves cfg.Store. A non-nil ens is used for mem:// instead of
// a private ensemble.
func openStore(cfg Config, logger pslog.Logger, clk clock.Clock, ens *memory.Ensemble) (*Store, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	logger = svcfields.WithSubsystem(logger, svcfields.Subsystem("store", u.Scheme))
	s := &Store{
		scheme: u.Scheme,
		cfg:    cfg,
		logger: logger,
		clock:  clock.OrReal(clk),
		raw:    make(map[string]*memory.Client),
	}
	switch u.Scheme {
	case "mem", "memory", "":
		if ens == nil {
			ens, _ = memory.NewWithConfig(memory.Config{Clock: clk, Logger: logger})
			s.ownsEns = true
		}
		s.ens = ens
	case "bolt":
		path := storePath(u)
		if path == "" {
			return nil, errors.New("bolt store needs a file path")
		}
		persister, err := boltstore.Open(path, logger)
		if err != nil {
			return nil, err
		}
		s.ens, err = memory.NewWithConfig(memory.Config{Persister: persister, Clock: clk, Logger: logger})
		if err != nil {
			_ = persister.Close()
			return nil, err
		}
		s.ownsEns = true
	case "etcd":
		endpoints := etcdEndpoints(u.Host)
		if len(endpoints) == 0 {
			return nil, errors.New("etcd store needs at least one endpoint")
		}
		s.etcd = etcdstore.Config{
			Endpoints:  endpoints,
			Prefix:     strings.TrimRight(u.Path, "/"),
			SessionTTL: cfg.SessionTTL,
			Logger:     logger,
			Clock:      clk,
		}
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
	s.pool = store.NewPool(s.dial)
	return s, nil
}

func storePath(u *url.URL) string {
	p := u.Host + u.Path
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

func etcdEndpoints(hosts string) []string {
	var out []string
	for _, h := range strings.Split(hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

func (s *Store) dial(ctx context.Context, role string) (store.Client, error) {
	var inner store.Client
	if s.ens != nil {
		c := s.ens.Connect()
		s.mu.Lock()
		s.raw[role] = c
		s.mu.Unlock()
		inner = c
	} else {
		c, err := etcdstore.Dial(ctx, s.etcd)
		if err != nil {
			return nil, err
		}
		inner = c
	}
	logger := s.logger.With("role", role)
	s.logger.Debug("store.session.open", "role", role, "session", inner.SessionID())
	traced := logging.Wrap(inner, logger, svcfields.Subsystem("store", s.scheme))
	return retry.Wrap(traced, logger, s.clock, retry.Config{
		MaxAttempts: s.cfg.StoreRetryMaxAttempts,
		BaseDelay:   s.cfg.StoreRetryBaseDelay,
		MaxDelay:    s.cfg.StoreRetryMaxDelay,
		Multiplier:  s.cfg.StoreRetryMultiplier,
	}), nil
}

// Session returns the shared session of role, opening it on first use. Each
// call must be paired with Release.
func (s *Store) Session(ctx context.Context, role string) (store.Client, error) {
	return s.pool.Acquire(ctx, role)
}

// Release drops one reference to the session of role and closes it when
// none remain.
func (s *Store) Release(role string) error {
	s.mu.Lock()
	raw := s.raw[role]
	s.mu.Unlock()
	closed, err := s.pool.Release(role)
	if closed {
		s.mu.Lock()
		if s.raw[role] == raw {
			delete(s.raw, role)
		}
		s.mu.Unlock()
	}
	return err
}

// memorySession returns the unwrapped in-memory session of role, if any.
func (s *Store) memorySession(role string) (*memory.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.raw[role]
	return c, ok
}

// Close ends every session and the backing ensemble if this store owns it.
func (s *Store) Close() error {
	err := s.pool.Close()
	if s.ownsEns {
		err = errors.Join(err, s.ens.Close())
	}
	return err
}
