// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNodeNotFound = errors.New("file not found")

// A Node is one entry in a user's drive, either a file or a folder. Files
// carry their byte size and the path of the stored blob; folders have
// neither.
type Node struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"-"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mimeType,omitempty"`
	ParentID  string    `json:"parentId,omitempty"`
	IsFolder  bool      `json:"isFolder"`
	Starred   bool      `json:"starred"`
	Deleted   bool      `json:"deleted"`
	BlobPath  string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NodeFilter narrows a listing. Nil pointer fields mean "don't care".
type NodeFilter struct {
	ParentID *string
	Starred  *bool
	Deleted  *bool
}

// NodeUpdate is a partial update; nil fields are left untouched.
type NodeUpdate struct {
	Name     *string `json:"name"`
	ParentID *string `json:"parentId"`
	Starred  *bool   `json:"starred"`
	Deleted  *bool   `json:"deleted"`
}

// Usage summarizes a user's storage consumption against their quota.
type Usage struct {
	UsedBytes  int64 `json:"usedBytes"`
	QuotaBytes int64 `json:"quotaBytes"`
	FileCount  int64 `json:"fileCount"`
}

// Store is the metadata persistence the API depends on.
type Store interface {
	List(ctx context.Context, ownerID string, filter NodeFilter) ([]Node, error)
	Get(ctx context.Context, ownerID, id string) (Node, error)
	CreateFolder(ctx context.Context, ownerID, name, parentID string) (Node, error)
	Update(ctx context.Context, ownerID, id string, upd NodeUpdate) (Node, error)
	Delete(ctx context.Context, ownerID, id string) error
	Usage(ctx context.Context, ownerID string) (Usage, error)
}

// DefaultQuota is the storage allowance per user.
const DefaultQuota = 16 << 30

// FileStore is the Postgres implementation of Store.
type FileStore struct {
	pool *pgxpool.Pool
}

func NewFileStore(pool *pgxpool.Pool) *FileStore {
	return &FileStore{pool: pool}
}

// Migrate creates the files table. Idempotent.
func (s *FileStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS files (
			id         UUID PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			name       TEXT NOT NULL,
			size       BIGINT NOT NULL DEFAULT 0,
			mime_type  TEXT NOT NULL DEFAULT '',
			parent_id  UUID,
			is_folder  BOOLEAN NOT NULL DEFAULT FALSE,
			starred    BOOLEAN NOT NULL DEFAULT FALSE,
			deleted    BOOLEAN NOT NULL DEFAULT FALSE,
			blob_path  TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS files_owner_parent ON files (owner_id, parent_id);
	`)
	return err
}

const nodeColumns = `id, owner_id, name, size, mime_type, COALESCE(parent_id::text, ''), is_folder, starred, deleted, blob_path, created_at, updated_at`

func scanNode(row pgx.Row) (Node, error) {
	var n Node
	err := row.Scan(&n.ID, &n.OwnerID, &n.Name, &n.Size, &n.MimeType, &n.ParentID,
		&n.IsFolder, &n.Starred, &n.Deleted, &n.BlobPath, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Node{}, ErrNodeNotFound
	}
	return n, err
}

func (s *FileStore) List(ctx context.Context, ownerID string, filter NodeFilter) ([]Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM files WHERE owner_id = $1`
	args := []any{ownerID}

	if filter.ParentID != nil {
		if *filter.ParentID == "" {
			query += ` AND parent_id IS NULL`
		} else {
			args = append(args, *filter.ParentID)
			query += ` AND parent_id = $2`
		}
	}
	if filter.Starred != nil {
		args = append(args, *filter.Starred)
		query += ` AND starred = $` + itoa(len(args))
	}
	// Trash is hidden unless asked for explicitly.
	deleted := false
	if filter.Deleted != nil {
		deleted = *filter.Deleted
	}
	args = append(args, deleted)
	query += ` AND deleted = $` + itoa(len(args))
	query += ` ORDER BY is_folder DESC, name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := []Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *FileStore) Get(ctx context.Context, ownerID, id string) (Node, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM files WHERE owner_id = $1 AND id = $2`,
		ownerID, id)
	return scanNode(row)
}

func (s *FileStore) CreateFolder(ctx context.Context, ownerID, name, parentID string) (Node, error) {
	id := uuid.NewString()
	var parent any
	if parentID != "" {
		parent = parentID
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO files (id, owner_id, name, parent_id, is_folder)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING `+nodeColumns,
		id, ownerID, name, parent)
	return scanNode(row)
}

func (s *FileStore) Update(ctx context.Context, ownerID, id string, upd NodeUpdate) (Node, error) {
	query := `UPDATE files SET updated_at = now()`
	args := []any{ownerID, id}

	if upd.Name != nil {
		args = append(args, *upd.Name)
		query += `, name = $` + itoa(len(args))
	}
	if upd.ParentID != nil {
		if *upd.ParentID == "" {
			query += `, parent_id = NULL`
		} else {
			args = append(args, *upd.ParentID)
			query += `, parent_id = $` + itoa(len(args))
		}
	}
	if upd.Starred != nil {
		args = append(args, *upd.Starred)
		query += `, starred = $` + itoa(len(args))
	}
	if upd.Deleted != nil {
		args = append(args, *upd.Deleted)
		query += `, deleted = $` + itoa(len(args))
	}

	query += ` WHERE owner_id = $1 AND id = $2 RETURNING ` + nodeColumns
	return scanNode(s.pool.QueryRow(ctx, query, args...))
}

func (s *FileStore) Delete(ctx context.Context, ownerID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM files WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (s *FileStore) Usage(ctx context.Context, ownerID string) (Usage, error) {
	u := Usage{QuotaBytes: DefaultQuota}
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(size), 0), COUNT(*) FILTER (WHERE NOT is_folder)
		FROM files WHERE owner_id = $1 AND NOT deleted`,
		ownerID).Scan(&u.UsedBytes, &u.FileCount)
	return u, err
}

func itoa(i int) string { return strconv.Itoa(i) }
