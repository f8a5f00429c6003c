package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

var _ driven.ConnectorInstance = (*instance)(nil)

const fileExt = ".json"

// document is the on-disk form of an item. The change token is derived
// from the file content and never stored.
type document struct {
	UID        string            `json:"uid"`
	Lastmod    string            `json:"lastmod,omitempty"`
	Properties []domain.Property `json:"properties"`
	LastSynch  *time.Time        `json:"last_synch,omitempty"`
}

type instance struct {
	conn *Connector
	dir  string
	end  *domain.End
}

func (i *instance) path(uid string) string {
	return filepath.Join(i.dir, url.PathEscape(uid)+fileExt)
}

func uidFromName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	uid, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
	if err != nil {
		return "", false
	}
	return uid, true
}

func contentToken(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// checkDir maps a missing directory to ErrMissingTarget.
func (i *instance) checkDir() error {
	info, err := os.Stat(i.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", i.dir, domain.ErrMissingTarget)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory: %w", i.dir, domain.ErrMissingTarget)
	}
	return nil
}

func (i *instance) Subscribe(ctx context.Context) error {
	if create, _ := parseBool(i.end.Properties, EndPropCreate, false); create && !i.conn.config.ReadOnly {
		if err := os.MkdirAll(i.dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", i.dir, err)
		}
	}
	return i.checkDir()
}

func (i *instance) Unsubscribe(ctx context.Context) error {
	return nil
}

func (i *instance) Open(ctx context.Context) error {
	return i.checkDir()
}

// Changed fingerprints the directory listing: names, sizes and modification times.
func (i *instance) Changed(ctx context.Context) (bool, error) {
	i.conn.mu.Lock()
	entries, err := os.ReadDir(i.dir)
	i.conn.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("%s: %w", i.dir, domain.ErrMissingTarget)
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", i.dir, err)
	}

	h := sha256.New()
	for _, e := range entries {
		if _, ok := uidFromName(e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed while listing
			continue
		}
		fmt.Fprintf(h, "%s:%d:%d\n", e.Name(), info.Size(), info.ModTime().UnixNano())
	}
	token := hex.EncodeToString(h.Sum(nil)[:16])

	changed := i.end.ChangeToken != token
	i.end.ChangeToken = token
	return changed, nil
}

func (i *instance) GetItemsInfo(ctx context.Context) ([]domain.ItemInfo, error) {
	i.conn.mu.Lock()
	defer i.conn.mu.Unlock()

	entries, err := os.ReadDir(i.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", i.dir, domain.ErrMissingTarget)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", i.dir, err)
	}

	infos := make([]domain.ItemInfo, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		uid, ok := uidFromName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		doc, _, err := i.read(uid)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, domain.ItemInfo{
			UID:       uid,
			Lastmod:   doc.Lastmod,
			LastSynch: doc.LastSynch,
			Handle:    e.Name(),
		})
	}
	return infos, nil
}

// read loads one document. Callers hold conn.mu.
func (i *instance) read(uid string) (*document, string, error) {
	path := i.path(uid)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", domain.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", path, err)
	}
	if doc.Lastmod == "" {
		if info, err := os.Stat(path); err == nil {
			doc.Lastmod = domain.FormatLastmod(info.ModTime())
		}
	}
	doc.UID = uid
	return &doc, contentToken(data), nil
}

// write replaces one document atomically. Callers hold conn.mu.
func (i *instance) write(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", doc.UID, err)
	}
	tmp, err := os.CreateTemp(i.dir, ".item-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", i.dir, domain.ErrMissingTarget)
		}
		return fmt.Errorf("write %s: %w", doc.UID, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", doc.UID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", doc.UID, err)
	}
	if err := os.Rename(tmp.Name(), i.path(doc.UID)); err != nil {
		return fmt.Errorf("write %s: %w", doc.UID, err)
	}
	return nil
}

func toItem(doc *document, token string) *domain.Item {
	item := &domain.Item{
		UID:         doc.UID,
		Lastmod:     doc.Lastmod,
		ChangeToken: token,
		Properties:  doc.Properties,
	}
	return item.Clone()
}

func (i *instance) AddItem(ctx context.Context, item *domain.Item) error {
	if i.conn.config.ReadOnly {
		return domain.ErrReadOnly
	}
	if item.UID == "" {
		return fmt.Errorf("%w: item without uid", domain.ErrInvalidInput)
	}

	i.conn.mu.Lock()
	defer i.conn.mu.Unlock()
	if _, err := os.Stat(i.path(item.UID)); err == nil {
		return fmt.Errorf("add %s: %w", item.UID, domain.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	return i.write(&document{
		UID:        item.UID,
		Lastmod:    domain.FormatLastmod(now),
		Properties: item.Clone().Properties,
		LastSynch:  &now,
	})
}

func (i *instance) FetchItem(ctx context.Context, uid string) (*domain.Item, error) {
	i.conn.mu.Lock()
	defer i.conn.mu.Unlock()
	doc, token, err := i.read(uid)
	if err != nil {
		return nil, err
	}
	return toItem(doc, token), nil
}

func (i *instance) FetchItems(ctx context.Context, uids []string) ([]*domain.Item, error) {
	i.conn.mu.Lock()
	defer i.conn.mu.Unlock()

	items := make([]*domain.Item, 0, len(uids))
	for _, uid := range lo.Uniq(uids) {
		doc, token, err := i.read(uid)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, toItem(doc, token))
	}
	return items, nil
}

func (i *instance) UpdateItem(ctx context.Context, uid, changeToken string, changes *domain.ChangeSet) error {
	if i.conn.config.ReadOnly {
		return domain.ErrReadOnly
	}

	i.conn.mu.Lock()
	defer i.conn.mu.Unlock()
	doc, token, err := i.read(uid)
	if err != nil {
		return err
	}
	if changeToken != token {
		return fmt.Errorf("update %s: %w", uid, domain.ErrConflict)
	}

	updated := changes.Apply(toItem(doc, token))
	now := time.Now().UTC()
	return i.write(&document{
		UID:        uid,
		Lastmod:    domain.FormatLastmod(now),
		Properties: updated.Properties,
		LastSynch:  &now,
	})
}

func (i *instance) DeleteItem(ctx context.Context, uid string) error {
	if i.conn.config.ReadOnly {
		return domain.ErrReadOnly
	}

	i.conn.mu.Lock()
	defer i.conn.mu.Unlock()
	err := os.Remove(i.path(uid))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", uid, err)
	}
	return nil
}

func (i *instance) ForceRefresh(ctx context.Context) error {
	i.end.ChangeToken = ""
	return nil
}

func (i *instance) Check(ctx context.Context) error {
	if err := i.checkDir(); err != nil {
		return err
	}
	if i.conn.config.ReadOnly {
		return nil
	}
	f, err := os.CreateTemp(i.dir, ".check-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", i.dir, err)
	}
	f.Close()
	return os.Remove(f.Name())
}

func (i *instance) Counts() *domain.EndCounts {
	return &i.end.Counts
}
