package session

import (
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/pairsync/pkg/crdt"
	"github.com/shinyes/pairsync/pkg/snapshot"
	"github.com/shinyes/pairsync/pkg/store"
)

// 本地文档缓存保留一周，快照服务不可用时作为启动种子
const docCacheTTL = 7 * 24 * time.Hour

type cachedDoc struct {
	Code     string           `msgpack:"c"`
	Language crdt.LWWRegister `msgpack:"l"`
	At       int64            `msgpack:"at"`
}

func (e *Engine) docCacheKey() string {
	return "doc/" + e.cfg.SessionID
}

// cacheDocument stores code together with the current language register.
// Runs on the loop.
func (e *Engine) cacheDocument(code string) {
	if e.deps.Local == nil {
		return
	}
	data, err := msgpack.Marshal(&cachedDoc{Code: code, Language: e.authoritative, At: time.Now().UnixMilli()})
	if err != nil {
		e.logger.Error("encode document cache", "err", err)
		return
	}
	if err := store.Put(e.deps.Local, e.docCacheKey(), data, docCacheTTL); err != nil && !errors.Is(err, store.ErrClosed) {
		e.logger.Warn("store document cache", "err", err)
	}
}

// onSnapshotPushed mirrors a stored snapshot into the local cache.
func (e *Engine) onSnapshotPushed(s snapshot.State) {
	e.post(func() { e.cacheDocument(s.Code) })
}

// loadCachedDocument returns the last cached document of this session, or nil.
func (e *Engine) loadCachedDocument() *cachedDoc {
	if e.deps.Local == nil {
		return nil
	}
	data, err := store.Get(e.deps.Local, e.docCacheKey())
	if err != nil {
		if !errors.Is(err, store.ErrKeyNotFound) && !errors.Is(err, store.ErrClosed) {
			e.logger.Warn("read document cache", "err", err)
		}
		return nil
	}
	var c cachedDoc
	if err := msgpack.Unmarshal(data, &c); err != nil {
		e.logger.Debug("skip malformed document cache", "err", err)
		return nil
	}
	return &c
}

// restoreCachedDocument seeds the document and language from c.
func (e *Engine) restoreCachedDocument(c *cachedDoc) {
	if c.Code != "" {
		e.initialContent = c.Code
	}
	switch {
	case c.Language.Value == "":
		return
	case c.Language.Timestamp == 0:
		// 来自快照元数据，没有提交时间戳
		e.authoritative = c.Language
	default:
		e.authoritative.Merge(&c.Language)
	}
	e.selected = e.authoritative.Value
	e.logger.Info("restored cached document", "runes", len([]rune(c.Code)), "language", e.selected)
}
