package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"threatdesk/internal/storage"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*User, error)
	Create(ctx context.Context, username, password string, role Role) (*User, error)
}

func newUser(username, password string, role Role) (*User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Store keeps users in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetByUsername(ctx context.Context, username string) (*User, error) {
	const q = `SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1`
	row := s.db.QueryRowContext(ctx, q, username)
	u := &User{}
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (s *Store) Create(ctx context.Context, username, password string, role Role) (*User, error) {
	u, err := newUser(username, password, role)
	if err != nil {
		return nil, err
	}
	const q = `
		INSERT INTO users (id, username, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, q, u.ID, u.Username, u.PasswordHash, u.Role, u.CreatedAt)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrUserExists
	}
	return u, nil
}

const usersBucket = "users"

// KVStore keeps users in a storage.Store bucket keyed by username.
type KVStore struct {
	kv storage.Store
}

func NewKVStore(kv storage.Store) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	raw, err := s.kv.Get(usersBucket, username)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u := &User{}
	if err := json.Unmarshal(raw, u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", username, err)
	}
	return u, nil
}

func (s *KVStore) Create(ctx context.Context, username, password string, role Role) (*User, error) {
	u, err := newUser(username, password, role)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	err = s.kv.Update(usersBucket, username, func(current []byte) ([]byte, error) {
		if current != nil {
			return nil, ErrUserExists
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

type usersFile struct {
	Users []struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Role     Role   `yaml:"role"`
	} `yaml:"users"`
}

// SeedFromFile creates the users listed in a YAML file. Existing users are
// left untouched. It returns the number of users created.
func SeedFromFile(ctx context.Context, store UserStore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var uf usersFile
	if err := yaml.Unmarshal(data, &uf); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	created := 0
	for _, u := range uf.Users {
		if u.Username == "" || u.Password == "" {
			continue
		}
		if _, err := store.GetByUsername(ctx, u.Username); err == nil {
			continue
		} else if !errors.Is(err, ErrUserNotFound) {
			return created, err
		}
		if u.Role == "" {
			u.Role = RoleReadOnly
		}
		if _, err := store.Create(ctx, u.Username, u.Password, u.Role); err != nil {
			if errors.Is(err, ErrUserExists) {
				continue
			}
			return created, err
		}
		created++
	}
	return created, nil
}
