// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package directory maintains the user directory: identities, connect codes
// and friendships, backed by Postgres.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxdrive/fluxdrive/lib/rand"
)

const (
	// CodeLength is the length of a connect code.
	CodeLength = 6

	// maxCodeAttempts bounds the retries on connect code collisions.
	maxCodeAttempts = 10

	// uniqueViolation is the Postgres error code for a unique constraint
	// violation.
	uniqueViolation = "23505"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrSelfFriend     = errors.New("cannot add yourself")
	ErrAlreadyFriends = errors.New("already friends")
	ErrCodeExhaustion = errors.New("connect code space exhausted")
)

// An Identity describes an authenticated user as asserted by a verified
// bearer token.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// A Friend is one row of a friends list. IsOnline is overlaid by the hub
// from the connection registry; the directory itself knows nothing about
// presence.
type Friend struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Code     string `json:"code,omitempty"`
	IsOnline bool   `json:"isOnline"`
}

// Service implements the directory on a pgx connection pool.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Migrate creates the directory tables if they do not exist.
func (s *Service) Migrate(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			email   TEXT NOT NULL,
			name    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS connect_codes (
			user_id TEXT PRIMARY KEY,
			code    TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS friendships (
			user_id   TEXT NOT NULL,
			friend_id TEXT NOT NULL,
			PRIMARY KEY (user_id, friend_id)
		)`,
	} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// UpsertUser records the identity seen on a fresh connection so that friend
// lists can show names for offline users.
func (s *Service) UpsertUser(ctx context.Context, id Identity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, email, name) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET email = $2, name = $3`,
		id.UserID, id.Email, id.Name)
	return err
}

// GetOrCreateConnectCode returns the user's connect code, allocating one on
// first request. Codes are unique across all users; generation retries on
// collision up to maxCodeAttempts before giving up.
func (s *Service) GetOrCreateConnectCode(ctx context.Context, userID string) (string, error) {
	var code string
	err := s.pool.QueryRow(ctx, `SELECT code FROM connect_codes WHERE user_id = $1`, userID).Scan(&code)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	for i := 0; i < maxCodeAttempts; i++ {
		candidate := rand.Code(CodeLength)
		_, err := s.pool.Exec(ctx, `
			INSERT INTO connect_codes (user_id, code) VALUES ($1, $2)
			ON CONFLICT (user_id) DO NOTHING`,
			userID, candidate)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				// Candidate taken by another user; try again.
				continue
			}
			return "", err
		}
		// Either our insert won or a concurrent one did; the stored code
		// is authoritative either way.
		if err := s.pool.QueryRow(ctx, `SELECT code FROM connect_codes WHERE user_id = $1`, userID).Scan(&code); err != nil {
			return "", err
		}
		return code, nil
	}
	return "", ErrCodeExhaustion
}

// ResolveCode maps a connect code to a user id. Lookup is case-insensitive.
func (s *Service) ResolveCode(ctx context.Context, code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var userID string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM connect_codes WHERE code = $1`, code).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

// AddFriendship inserts both directed edges of the friendship in a single
// transaction.
func (s *Service) AddFriendship(ctx context.Context, a, b string) error {
	if a == b {
		return ErrSelfFriend
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if _, err := tx.Exec(ctx, `
			INSERT INTO friendships (user_id, friend_id) VALUES ($1, $2)`,
			pair[0], pair[1]); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrAlreadyFriends
			}
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListFriends returns the user's friends with their identities and connect
// codes. The IsOnline field is left for the caller to overlay.
func (s *Service) ListFriends(ctx context.Context, userID string) ([]Friend, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT f.friend_id, u.name, u.email, COALESCE(c.code, '')
		FROM friendships f
		JOIN users u ON u.user_id = f.friend_id
		LEFT JOIN connect_codes c ON c.user_id = f.friend_id
		WHERE f.user_id = $1
		ORDER BY u.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.ID, &f.Name, &f.Email, &f.Code); err != nil {
			return nil, err
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}
