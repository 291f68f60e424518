package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"scriptroom/internal/identity"
)

// PGStore is the Postgres-backed Store. Locks live in the block row and all
// lock transitions are conditional single-statement updates, so RowsAffected
// is the arbiter of who won a race, not anything in this process.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         text PRIMARY KEY,
	title      text NOT NULL,
	creator_id text NOT NULL,
	editors    text[] NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS blocks (
	id             text PRIMARY KEY,
	doc_id         text NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	type           text NOT NULL,
	position       double precision NOT NULL,
	params         jsonb NOT NULL DEFAULT '{}',
	locked_by_user text,
	locked_by_name text,
	locked_at      timestamptz
);
CREATE INDEX IF NOT EXISTS blocks_doc_position ON blocks (doc_id, position, id);
`

// Init creates the schema if it does not exist.
func (s *PGStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgSchema)
	return err
}

func (s *PGStore) CreateDocument(ctx context.Context, doc *Document) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO documents (id, title, creator_id, editors) VALUES ($1, $2, $3, $4)`,
		doc.ID, doc.Title, doc.CreatorID, doc.Editors,
	); err != nil {
		if errors.Is(translatePGErr(err), ErrBlockExists) {
			return ErrDocumentExists
		}
		return err
	}
	for _, b := range doc.Blocks {
		params, err := json.Marshal(b.Params)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO blocks (id, doc_id, type, position, params) VALUES ($1, $2, $3, $4, $5)`,
			b.ID, doc.ID, string(b.Type), b.Position, params,
		); err != nil {
			return translatePGErr(err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Document(ctx context.Context, docID string) (*Document, error) {
	doc := &Document{ID: docID}
	err := s.pool.QueryRow(ctx,
		`SELECT title, creator_id, editors FROM documents WHERE id = $1`, docID,
	).Scan(&doc.Title, &doc.CreatorID, &doc.Editors)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, type, position, params, locked_by_user, locked_by_name, locked_at
		 FROM blocks WHERE doc_id = $1 ORDER BY position, id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		doc.Blocks = append(doc.Blocks, b)
	}
	return doc, rows.Err()
}

func scanBlock(row pgx.Row) (Block, error) {
	var (
		b          Block
		typ        string
		params     []byte
		lockUser   *string
		lockName   *string
		lockedAt   *time.Time
	)
	if err := row.Scan(&b.ID, &typ, &b.Position, &params, &lockUser, &lockName, &lockedAt); err != nil {
		return Block{}, err
	}
	b.Type = BlockType(typ)
	p, err := DecodeParams(b.Type, params)
	if err != nil {
		return Block{}, err
	}
	b.Params = p
	if lockUser != nil {
		holder := identity.Identity{UserID: *lockUser}
		if lockName != nil {
			holder.DisplayName = *lockName
		}
		b.LockedBy = &holder
		b.LockedAt = lockedAt
	}
	return b, nil
}

func (s *PGStore) CanEdit(ctx context.Context, docID, userID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT creator_id = $2 OR $2 = ANY(editors) FROM documents WHERE id = $1`,
		docID, userID,
	).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrDocumentNotFound
	}
	return ok, err
}

func (s *PGStore) InsertBlock(ctx context.Context, docID string, b Block) error {
	params, err := json.Marshal(b.Params)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO blocks (id, doc_id, type, position, params) VALUES ($1, $2, $3, $4, $5)`,
		b.ID, docID, string(b.Type), b.Position, params)
	return translatePGErr(err)
}

func (s *PGStore) UpdateBlockParams(ctx context.Context, docID, blockID, editorID string, patch ParamPatch) (Block, error) {
	raw := NormalizePatch(patch)
	row := s.pool.QueryRow(ctx,
		`UPDATE blocks SET params = params || $1::jsonb
		 WHERE id = $2 AND doc_id = $3 AND type = $4 AND locked_by_user = $5
		 RETURNING id, type, position, params, locked_by_user, locked_by_name, locked_at`,
		raw, blockID, docID, string(patch.BlockType()), editorID)
	b, err := scanBlock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Block{}, s.diagnoseUpdateFailure(ctx, docID, blockID, editorID, patch.BlockType())
	}
	return b, err
}

// diagnoseUpdateFailure distinguishes why a conditional params update
// matched no row: missing block, wrong type tag, or lock not held.
func (s *PGStore) diagnoseUpdateFailure(ctx context.Context, docID, blockID, editorID string, t BlockType) error {
	var typ string
	var lockUser *string
	err := s.pool.QueryRow(ctx,
		`SELECT type, locked_by_user FROM blocks WHERE id = $1 AND doc_id = $2`,
		blockID, docID,
	).Scan(&typ, &lockUser)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrBlockNotFound
	}
	if err != nil {
		return err
	}
	if BlockType(typ) != t {
		return ErrTypeMismatch
	}
	if lockUser == nil || *lockUser != editorID {
		return ErrNotHolder
	}
	return fmt.Errorf("params update for block %s matched no row", blockID)
}

func (s *PGStore) MoveBlock(ctx context.Context, docID, blockID string, position float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE blocks SET position = $1 WHERE id = $2 AND doc_id = $3`,
		position, blockID, docID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBlockNotFound
	}
	return nil
}

func (s *PGStore) DeleteBlock(ctx context.Context, docID, blockID, editorID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM blocks
		 WHERE id = $1 AND doc_id = $2 AND (locked_by_user IS NULL OR locked_by_user = $3)`,
		blockID, docID, editorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var lockUser *string
		err := s.pool.QueryRow(ctx,
			`SELECT locked_by_user FROM blocks WHERE id = $1 AND doc_id = $2`,
			blockID, docID,
		).Scan(&lockUser)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBlockNotFound
		}
		if err != nil {
			return err
		}
		return ErrNotHolder
	}
	return nil
}

func (s *PGStore) TryLockBlock(ctx context.Context, docID, blockID string, id identity.Identity, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE blocks SET locked_by_user = $1, locked_by_name = $2, locked_at = $3
		 WHERE id = $4 AND doc_id = $5 AND locked_by_user IS NULL`,
		id.UserID, id.DisplayName, at, blockID, docID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	// Lost the race or the block is gone; look up which.
	var lockUser, lockName *string
	err = s.pool.QueryRow(ctx,
		`SELECT locked_by_user, locked_by_name FROM blocks WHERE id = $1 AND doc_id = $2`,
		blockID, docID,
	).Scan(&lockUser, &lockName)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrBlockNotFound
	}
	if err != nil {
		return err
	}
	holder := identity.Identity{}
	if lockUser != nil {
		holder.UserID = *lockUser
	}
	if lockName != nil {
		holder.DisplayName = *lockName
	}
	return &LockConflictError{Holder: holder}
}

func (s *PGStore) UnlockBlock(ctx context.Context, docID, blockID, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE blocks SET locked_by_user = NULL, locked_by_name = NULL, locked_at = NULL
		 WHERE id = $1 AND doc_id = $2 AND locked_by_user = $3`,
		blockID, docID, userID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var lockUser *string
	err = s.pool.QueryRow(ctx,
		`SELECT locked_by_user FROM blocks WHERE id = $1 AND doc_id = $2`,
		blockID, docID,
	).Scan(&lockUser)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrBlockNotFound
	}
	if err != nil {
		return false, err
	}
	if lockUser == nil {
		return false, nil
	}
	return false, ErrNotHolder
}

func translatePGErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrBlockExists
	}
	return err
}
