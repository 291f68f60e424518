package script

import (
	"context"
	"sync"
	"time"

	"scriptroom/internal/identity"
)

// MemStore is an in-memory Store used in development mode and tests. Each
// document carries its own mutex so every operation is a single atomic
// read-modify-write per document, matching the conditional-update semantics
// the lock protocol depends on.
type MemStore struct {
	mu   sync.RWMutex
	docs map[string]*memDoc
}

type memDoc struct {
	mu  sync.Mutex
	doc Document
}

func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string]*memDoc)}
}

func (s *MemStore) get(docID string) (*memDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[docID]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return d, nil
}

func (s *MemStore) CreateDocument(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return ErrDocumentExists
	}
	cp := copyDocument(doc)
	s.docs[doc.ID] = &memDoc{doc: *cp}
	return nil
}

func (s *MemStore) Document(ctx context.Context, docID string) (*Document, error) {
	d, err := s.get(docID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := copyDocument(&d.doc)
	SortBlocks(out.Blocks)
	return out, nil
}

func (s *MemStore) CanEdit(ctx context.Context, docID, userID string) (bool, error) {
	d, err := s.get(docID)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.CanEdit(userID), nil
}

func (s *MemStore) InsertBlock(ctx context.Context, docID string, b Block) error {
	d, err := s.get(docID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc.Block(b.ID) != nil {
		return ErrBlockExists
	}
	d.doc.Blocks = append(d.doc.Blocks, b)
	return nil
}

func (s *MemStore) UpdateBlockParams(ctx context.Context, docID, blockID, editorID string, patch ParamPatch) (Block, error) {
	d, err := s.get(docID)
	if err != nil {
		return Block{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.doc.Block(blockID)
	if b == nil {
		return Block{}, ErrBlockNotFound
	}
	if b.Type != patch.BlockType() {
		return Block{}, ErrTypeMismatch
	}
	if !b.LockedByUser(editorID) {
		return Block{}, ErrNotHolder
	}
	b.Params = patch.Apply(b.Params)
	return *b, nil
}

func (s *MemStore) MoveBlock(ctx context.Context, docID, blockID string, position float64) error {
	d, err := s.get(docID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.doc.Block(blockID)
	if b == nil {
		return ErrBlockNotFound
	}
	b.Position = position
	return nil
}

func (s *MemStore) DeleteBlock(ctx context.Context, docID, blockID, editorID string) error {
	d, err := s.get(docID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.doc.Blocks {
		if d.doc.Blocks[i].ID != blockID {
			continue
		}
		if d.doc.Blocks[i].Locked() && !d.doc.Blocks[i].LockedByUser(editorID) {
			return ErrNotHolder
		}
		d.doc.Blocks = append(d.doc.Blocks[:i], d.doc.Blocks[i+1:]...)
		return nil
	}
	return ErrBlockNotFound
}

func (s *MemStore) TryLockBlock(ctx context.Context, docID, blockID string, id identity.Identity, at time.Time) error {
	d, err := s.get(docID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.doc.Block(blockID)
	if b == nil {
		return ErrBlockNotFound
	}
	if b.LockedBy != nil {
		return &LockConflictError{Holder: *b.LockedBy}
	}
	holder := id
	lockedAt := at
	b.LockedBy = &holder
	b.LockedAt = &lockedAt
	return nil
}

func (s *MemStore) UnlockBlock(ctx context.Context, docID, blockID, userID string) (bool, error) {
	d, err := s.get(docID)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.doc.Block(blockID)
	if b == nil {
		return false, ErrBlockNotFound
	}
	if b.LockedBy == nil {
		return false, nil
	}
	if b.LockedBy.UserID != userID {
		return false, ErrNotHolder
	}
	b.LockedBy = nil
	b.LockedAt = nil
	return true, nil
}

func copyDocument(doc *Document) *Document {
	out := *doc
	out.Editors = append([]string(nil), doc.Editors...)
	out.Blocks = make([]Block, len(doc.Blocks))
	for i, b := range doc.Blocks {
		out.Blocks[i] = copyBlock(b)
	}
	return &out
}

func copyBlock(b Block) Block {
	cp := b
	if b.LockedBy != nil {
		holder := *b.LockedBy
		cp.LockedBy = &holder
	}
	if b.LockedAt != nil {
		at := *b.LockedAt
		cp.LockedAt = &at
	}
	switch p := b.Params.(type) {
	case *HeadingParams:
		v := *p
		cp.Params = &v
	case *DescriptionParams:
		v := *p
		cp.Params = &v
	case *DialogueParams:
		v := *p
		cp.Params = &v
	}
	return cp
}
