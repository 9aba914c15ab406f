package tilesource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Faultbox/terra3d/internal/terrain"
	"github.com/Faultbox/terra3d/pkg/qmesh"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

var mbtilesSchema = []string{
	`CREATE TABLE IF NOT EXISTS metadata (
		name TEXT PRIMARY KEY,
		value TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS tiles (
		zoom_level INTEGER,
		tile_column INTEGER,
		tile_row INTEGER,
		tile_data BLOB,
		PRIMARY KEY (zoom_level, tile_column, tile_row)
	)`,
	`CREATE INDEX IF NOT EXISTS tiles_idx ON tiles(zoom_level, tile_column, tile_row)`,
}

// MBTiles reads tiles from an MBTiles SQLite database. Rows are in TMS order,
// which is the order of quantized-mesh addresses, so y is stored unchanged.
type MBTiles struct {
	db *sql.DB
}

// OpenMBTiles opens an existing database.
func OpenMBTiles(path string) (*MBTiles, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening mbtiles %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening mbtiles %s: %w", path, err)
	}
	return &MBTiles{db: db}, nil
}

// CreateMBTiles creates (or opens for writing) a database and its tables.
func CreateMBTiles(path string, metadata map[string]string) (*MBTiles, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("creating mbtiles %s: %w", path, err)
	}
	for _, schema := range mbtilesSchema {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating mbtiles %s: %w", path, err)
		}
	}
	m := &MBTiles{db: db}
	if err := m.writeMetadata(metadata); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *MBTiles) writeMetadata(metadata map[string]string) error {
	if len(metadata) == 0 {
		return nil
	}
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare("INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for k, v := range metadata {
		if _, err := stmt.Exec(k, v); err != nil {
			tx.Rollback()
			return fmt.Errorf("writing metadata %q: %w", k, err)
		}
	}
	return tx.Commit()
}

// Metadata returns the metadata table.
func (m *MBTiles) Metadata(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

func (m *MBTiles) Fetch(ctx context.Context, a tiling.Address) (*qmesh.Tile, error) {
	var data []byte
	err := m.db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		a.Level, a.X, a.Y).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, terrain.ErrTileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mbtiles %s: %w", a, err)
	}
	return qmesh.Parse(data)
}

// Put stores a gzipped tile.
func (m *MBTiles) Put(ctx context.Context, a tiling.Address, t *qmesh.Tile) error {
	data, err := t.MarshalGzip()
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)",
		a.Level, a.X, a.Y, data)
	return err
}

// Close closes the database.
func (m *MBTiles) Close() error {
	return m.db.Close()
}
