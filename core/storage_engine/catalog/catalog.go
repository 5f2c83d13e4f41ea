package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/vmihailenco/msgpack"
	"go.uber.org/zap"
)

// RootPageID is the first catalog page. A fresh database allocates it
// before anything else.
const RootPageID pagemanager.PageID = 1

var (
	ErrExists      = errors.New("catalog object already exists")
	ErrNotFound    = errors.New("catalog object not found")
	ErrInvalidName = errors.New("invalid catalog object name")
	ErrNoCatalog   = errors.New("page 1 is not a catalog page")
)

type Kind uint8

const (
	KindTable Kind = iota + 1
	KindIndex
)

// Entry is the stored form of a catalog object.
type Entry struct {
	Kind   Kind   `msgpack:"k"`
	ID     uint32 `msgpack:"id"`
	Name   string `msgpack:"n"`
	Table  uint32 `msgpack:"t,omitempty"`
	Root   uint64 `msgpack:"r"`
	Unique bool   `msgpack:"u,omitempty"`
}

type TableInfo struct {
	ID   uint32
	Name string
	// Heap is the first page of the table's heap.
	Heap pagemanager.PageID
}

type IndexInfo struct {
	ID      uint32
	Name    string
	TableID uint32
	// Tree is the meta page of the index.
	Tree   pagemanager.PageID
	Unique bool
}

func (e Entry) table() TableInfo {
	return TableInfo{ID: e.ID, Name: e.Name, Heap: pagemanager.PageID(e.Root)}
}

func (e Entry) index() IndexInfo {
	return IndexInfo{ID: e.ID, Name: e.Name, TableID: e.Table, Tree: pagemanager.PageID(e.Root), Unique: e.Unique}
}

// Catalog maps table and index names to their storage. Entries live in a
// chain of catalog pages starting at RootPageID; lookups go through a
// cache and fall back to a scan of the chain.
type Catalog struct {
	bpm    *bufferpool.BufferPoolManager
	logger *zap.Logger
	cache  *ristretto.Cache[string, Entry]

	mu     sync.Mutex // serialises DDL
	nextID uint32
	tail   pagemanager.PageID
}

func newCatalog(bpm *bufferpool.BufferPoolManager, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Entry]{
		NumCounters: 1 << 14,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog cache: %w", err)
	}
	return &Catalog{bpm: bpm, logger: logger.Named("catalog"), cache: cache, nextID: 1, tail: RootPageID}, nil
}

// Bootstrap formats the catalog of a fresh database. It must be the first
// allocation in the file.
func Bootstrap(ctx context.Context, bpm *bufferpool.BufferPoolManager, logger *zap.Logger) (*Catalog, error) {
	c, err := newCatalog(bpm, logger)
	if err != nil {
		return nil, err
	}
	m, err := bpm.Begin(nil)
	if err != nil {
		return nil, err
	}
	g, err := m.NewPage(ctx)
	if err != nil {
		m.Abort()
		return nil, err
	}
	defer g.Release()
	if g.PageID() != RootPageID {
		m.Abort()
		return nil, fmt.Errorf("%w: bootstrap allocated page %d", ErrNoCatalog, g.PageID())
	}
	g.Page().Init(pagemanager.PageTypeCatalog, uint64(RootPageID), 0)
	if _, err := m.Commit(); err != nil {
		return nil, fmt.Errorf("bootstrap catalog: %w", err)
	}
	c.logger.Info("catalog created")
	return c, nil
}

// Open loads the id counter and the tail of an existing catalog.
func Open(ctx context.Context, bpm *bufferpool.BufferPoolManager, logger *zap.Logger) (*Catalog, error) {
	c, err := newCatalog(bpm, logger)
	if err != nil {
		return nil, err
	}
	count := 0
	c.tail, err = c.scan(ctx, func(e Entry) bool {
		if e.ID >= c.nextID {
			c.nextID = e.ID + 1
		}
		count++
		return true
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("catalog opened", zap.Int("objects", count), zap.Uint32("next_id", c.nextID))
	return c, nil
}

func (c *Catalog) Close() {
	c.cache.Close()
}

// scan visits every entry in the chain and returns the last page it read.
func (c *Catalog) scan(ctx context.Context, fn func(Entry) bool) (pagemanager.PageID, error) {
	last := RootPageID
	for id := RootPageID; id != pagemanager.InvalidPageID; {
		g, err := c.bpm.FetchRead(ctx, id)
		if err != nil {
			return last, err
		}
		p := g.Page()
		if p.Type() != pagemanager.PageTypeCatalog {
			g.Release()
			return last, fmt.Errorf("%w: page %d is %s", ErrNoCatalog, id, p.Type())
		}
		items := p.Items()
		next := p.Next()
		g.Release()
		last = id
		for _, it := range items {
			if it == nil {
				continue
			}
			var e Entry
			if err := msgpack.Unmarshal(it, &e); err != nil {
				return last, fmt.Errorf("decode catalog entry on page %d: %w", id, err)
			}
			if !fn(e) {
				return last, nil
			}
		}
		id = next
	}
	return last, nil
}

func nameKey(kind Kind, name string) string {
	return strconv.Itoa(int(kind)) + "/" + name
}

func idKey(kind Kind, id uint32) string {
	return strconv.Itoa(int(kind)) + "#" + strconv.FormatUint(uint64(id), 10)
}

func (c *Catalog) remember(e Entry) {
	c.cache.Set(nameKey(e.Kind, e.Name), e, 1)
	c.cache.Set(idKey(e.Kind, e.ID), e, 1)
}

func (c *Catalog) find(ctx context.Context, key string, match func(Entry) bool) (Entry, bool, error) {
	if e, ok := c.cache.Get(key); ok {
		return e, true, nil
	}
	var found Entry
	var ok bool
	_, err := c.scan(ctx, func(e Entry) bool {
		if match(e) {
			found, ok = e, true
			return false
		}
		return true
	})
	if err != nil {
		return Entry{}, false, err
	}
	if ok {
		c.remember(found)
	}
	return found, ok, nil
}

func (c *Catalog) lookupName(ctx context.Context, kind Kind, name string) (Entry, error) {
	e, ok, err := c.find(ctx, nameKey(kind, name), func(e Entry) bool { return e.Kind == kind && e.Name == name })
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e, nil
}

func (c *Catalog) lookupID(ctx context.Context, kind Kind, id uint32) (Entry, error) {
	e, ok, err := c.find(ctx, idKey(kind, id), func(e Entry) bool { return e.Kind == kind && e.ID == id })
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return e, nil
}

func (c *Catalog) Table(ctx context.Context, name string) (TableInfo, error) {
	e, err := c.lookupName(ctx, KindTable, name)
	return e.table(), err
}

func (c *Catalog) TableByID(ctx context.Context, id uint32) (TableInfo, error) {
	e, err := c.lookupID(ctx, KindTable, id)
	return e.table(), err
}

func (c *Catalog) Index(ctx context.Context, name string) (IndexInfo, error) {
	e, err := c.lookupName(ctx, KindIndex, name)
	return e.index(), err
}

func (c *Catalog) IndexByID(ctx context.Context, id uint32) (IndexInfo, error) {
	e, err := c.lookupID(ctx, KindIndex, id)
	return e.index(), err
}

// Tables lists every table in creation order.
func (c *Catalog) Tables(ctx context.Context) ([]TableInfo, error) {
	var out []TableInfo
	_, err := c.scan(ctx, func(e Entry) bool {
		if e.Kind == KindTable {
			out = append(out, e.table())
		}
		return true
	})
	return out, err
}

// Indexes lists the indexes of a table, or of every table when tableID is
// zero.
func (c *Catalog) Indexes(ctx context.Context, tableID uint32) ([]IndexInfo, error) {
	var out []IndexInfo
	_, err := c.scan(ctx, func(e Entry) bool {
		if e.Kind == KindIndex && (tableID == 0 || e.Table == tableID) {
			out = append(out, e.index())
		}
		return true
	})
	return out, err
}

// Define runs create, which allocates the object's storage, and records
// the new entry through hook inside the same mini transaction. create
// receives the hook to pass to heap.CreateWith or btree.CreateWith.
func (c *Catalog) Define(ctx context.Context, e Entry, create func(hook func(*bufferpool.MiniTxn, pagemanager.PageID) error) error) (Entry, error) {
	if e.Name == "" || len(e.Name) > 128 {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidName, e.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.lookupName(ctx, e.Kind, e.Name); err == nil {
		return Entry{}, fmt.Errorf("%w: %q", ErrExists, e.Name)
	} else if !errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}
	if e.Kind == KindIndex {
		if _, err := c.lookupID(ctx, KindTable, e.Table); err != nil {
			return Entry{}, err
		}
	}
	e.ID = c.nextID
	var grew pagemanager.PageID
	err := create(func(m *bufferpool.MiniTxn, root pagemanager.PageID) error {
		e.Root = uint64(root)
		var err error
		grew, err = c.appendLocked(ctx, m, e)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	c.nextID++
	if grew != pagemanager.InvalidPageID {
		c.tail = grew
	}
	c.remember(e)
	c.logger.Info("catalog object defined",
		zap.Uint8("kind", uint8(e.Kind)),
		zap.String("name", e.Name),
		zap.Uint32("id", e.ID),
		zap.Uint64("root", e.Root))
	return e, nil
}

// appendLocked writes e to the tail page, chaining a new page when the
// tail is full. It returns the new tail, if any.
func (c *Catalog) appendLocked(ctx context.Context, m *bufferpool.MiniTxn, e Entry) (pagemanager.PageID, error) {
	rec, err := msgpack.Marshal(&e)
	if err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("encode catalog entry: %w", err)
	}
	tail, err := c.bpm.FetchWrite(ctx, c.tail)
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	m.Hold(tail)
	m.Track(tail)
	if tail.Page().Fits(len(rec)) {
		_, err := tail.Page().AppendItem(rec)
		return pagemanager.InvalidPageID, err
	}
	g, err := m.NewPage(ctx)
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	m.Hold(g)
	g.Page().Init(pagemanager.PageTypeCatalog, uint64(RootPageID), 0)
	if _, err := g.Page().AppendItem(rec); err != nil {
		return pagemanager.InvalidPageID, err
	}
	tail.Page().SetNext(g.PageID())
	return g.PageID(), nil
}
