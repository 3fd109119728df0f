// Package filestore keeps users and analyses as JSON documents under a directory.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/KaramelBytes/analyzethis/internal/store"
	"github.com/KaramelBytes/analyzethis/internal/utils"
)

const (
	usersDir    = "users"
	analysesDir = "analyses"
)

// Store is a store.Store backed by one JSON file per record.
type Store struct {
	root string
	mu   sync.RWMutex
}

var _ store.Store = (*Store)(nil)

// Open prepares root for use, creating it when missing.
func Open(root string) (*Store, error) {
	for _, d := range []string{usersDir, analysesDir} {
		if err := utils.EnsureDir(filepath.Join(root, d)); err != nil {
			return nil, fmt.Errorf("ensure dir: %w", err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the directory holding the records.
func (s *Store) Root() string { return s.root }

func (s *Store) Close() error { return nil }

func (s *Store) path(kind, id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", store.ErrNotFound
	}
	return filepath.Join(s.root, kind, id+".json"), nil
}

func (s *Store) CreateUser(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if _, err := s.findUser(func(x *store.User) bool { return strings.EqualFold(x.Username, u.Username) }); err == nil {
		return fmt.Errorf("user %q: %w", u.Username, store.ErrConflict)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = store.Now()
	}
	return s.write(usersDir, u.ID, u)
}

func (s *Store) GetUser(_ context.Context, id string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var u store.User
	if err := s.read(usersDir, id, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByName(_ context.Context, username string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findUser(func(x *store.User) bool { return strings.EqualFold(x.Username, username) })
}

func (s *Store) UpdateUser(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur store.User
	if err := s.read(usersDir, u.ID, &cur); err != nil {
		return err
	}
	return s.write(usersDir, u.ID, u)
}

func (s *Store) CreateAnalysis(_ context.Context, a *store.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := store.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	return s.write(analysesDir, a.ID, a)
}

func (s *Store) GetAnalysis(_ context.Context, userID, id string) (*store.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOwned(userID, id)
}

func (s *Store) getOwned(userID, id string) (*store.Analysis, error) {
	var a store.Analysis
	if err := s.read(analysesDir, id, &a); err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (s *Store) ListAnalyses(_ context.Context, userID string) ([]*store.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(filepath.Join(s.root, analysesDir))
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	var out []*store.Analysis
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var a store.Analysis
		if err := s.read(analysesDir, strings.TrimSuffix(e.Name(), ".json"), &a); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if a.UserID == userID {
			out = append(out, &a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateAnalysis(_ context.Context, a *store.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getOwned(a.UserID, a.ID); err != nil {
		return err
	}
	a.UpdatedAt = store.Now()
	return s.write(analysesDir, a.ID, a)
}

func (s *Store) DeleteAnalysis(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getOwned(userID, id); err != nil {
		return err
	}
	p, _ := s.path(analysesDir, id)
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete analysis: %w", err)
	}
	return nil
}

func (s *Store) findUser(match func(*store.User) bool) (*store.User, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, usersDir))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var u store.User
		if err := s.read(usersDir, strings.TrimSuffix(e.Name(), ".json"), &u); err != nil {
			continue
		}
		if match(&u) {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) read(kind, id string, v any) error {
	p, err := s.path(kind, id)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store.ErrNotFound
		}
		return fmt.Errorf("read %s: %w", kind, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *Store) write(kind, id string, v any) error {
	p, err := s.path(kind, id)
	if err != nil {
		return fmt.Errorf("invalid id %q", id)
	}
	data, err := utils.PrettyJSON(v)
	if err != nil {
		return err
	}
	return utils.SafeWriteFile(p, data)
}
