// Package postgres implements the reuse cache (spec §4.5) backed by a
// Postgres database shared across a pool of execution hosts, accessed
// through database/sql with goose migrations.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/relayforge/relayforge/internal/dbx"
	"github.com/relayforge/relayforge/internal/filetransfer/reuse"
	"github.com/relayforge/relayforge/internal/filetransfer/reuse/postgres/migrations"
)

// Cache implements reuse.Cache over Postgres. Blob content is expected to
// live on a filesystem shared by every execution host in the pool
// (blobDir); Postgres holds only the checksum/tag/reservation metadata, so
// two hosts racing to admit the same content still agree on ownership.
type Cache struct {
	db      dbx.DBTX
	blobDir string
}

// Open connects to dsn (a Postgres connection string), applies migrations,
// and returns a ready Cache.
func Open(ctx context.Context, dsn, blobDir string) (*Cache, *sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("reuse/postgres: migrate: %w", err)
	}
	if err := os.MkdirAll(blobDir, 0o700); err != nil {
		db.Close()
		return nil, nil, err
	}
	return &Cache{db: db, blobDir: blobDir}, db, nil
}

// RunMigrations applies the embedded goose migration set.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (c *Cache) blobPath(checksumType, checksum string) string {
	return filepath.Join(c.blobDir, checksumType+"_"+checksum)
}

// RetrieveFile implements reuse.Cache.
func (c *Cache) RetrieveFile(ctx context.Context, destPath, checksum, checksumType, tag string) error {
	row := c.db.QueryRowContext(ctx,
		`SELECT blob_path FROM reuse_objects WHERE checksum=$1 AND checksum_type=$2 AND tag=$3`,
		checksum, checksumType, tag)

	var blobPath string
	if err := row.Scan(&blobPath); err != nil {
		if err == sql.ErrNoRows {
			return reuse.ErrObjectNotFound
		}
		return err
	}

	src, err := os.Open(blobPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	if err := os.Link(blobPath, destPath); err == nil {
		return nil
	}

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

// ReserveSpace implements reuse.Cache.
func (c *Cache) ReserveSpace(ctx context.Context, bytes int64, ttlSeconds int64, tag string) (string, error) {
	id := uuid.NewString()
	expiresAt := time.Now().Add(time.Duration(ttlSeconds) * time.Second)

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO reuse_reservations (id, tag, bytes, expires_at) VALUES ($1, $2, $3, $4)`,
		id, tag, bytes, expiresAt)
	if err != nil {
		return "", err
	}
	return id, nil
}

// CacheFile implements reuse.Cache.
func (c *Cache) CacheFile(ctx context.Context, srcPath, checksum, checksumType, reservationID string) error {
	row := c.db.QueryRowContext(ctx, `SELECT tag FROM reuse_reservations WHERE id=$1`, reservationID)
	var tag string
	if err := row.Scan(&tag); err != nil {
		if err == sql.ErrNoRows {
			return reuse.ErrReservationRequired
		}
		return err
	}

	dst := c.blobPath(checksumType, checksum)
	if err := copyFile(srcPath, dst); err != nil {
		return err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO reuse_objects (checksum, checksum_type, tag, size, blob_path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (checksum, checksum_type, tag) DO UPDATE SET
			size = excluded.size, blob_path = excluded.blob_path, created_at = excluded.created_at`,
		checksum, checksumType, tag, info.Size(), dst, time.Now())
	return err
}

// Release implements reuse.Cache. Releasing an unknown ID is not an error.
func (c *Cache) Release(ctx context.Context, reservationID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM reuse_reservations WHERE id=$1`, reservationID)
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
