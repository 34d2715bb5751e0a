package sync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/njoerd114/editionsync/internal/lock"
	"github.com/njoerd114/editionsync/internal/model"
)

var errInjected = errors.New("injected failure")

// --- Recording Locker ---------------------------------------------------------

// recordingLocker wraps a Local lock and counts acquisitions and releases.
type recordingLocker struct {
	inner *lock.Local

	mu       sync.Mutex
	locks    int
	unlocks  int
	held     int
	lockErr  error
	lockKeys []string
}

func newRecordingLocker() *recordingLocker {
	return &recordingLocker{inner: lock.NewLocal()}
}

func (l *recordingLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lockErr := l.lockErr
	l.mu.Unlock()
	if lockErr != nil {
		return nil, lockErr
	}

	unlock, err := l.inner.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.locks++
	l.held++
	l.lockKeys = append(l.lockKeys, key)
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		l.unlocks++
		l.held--
		l.mu.Unlock()
		unlock()
	}, nil
}

func (l *recordingLocker) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held > 0
}

func (l *recordingLocker) counts() (locks, unlocks int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locks, l.unlocks
}

// --- Mock Order Source --------------------------------------------------------

type mockSource struct {
	mu        sync.Mutex
	products  map[string]model.ProductInfo
	lineItems map[string][]model.SourceLineItem // productID → items
	skus      map[string]string                 // lineItemID → SKU

	infoErr    error
	fetchErr   error
	detailsErr error
	block      bool // FetchAllOrdersWithProduct waits for ctx
	panics     bool // FetchAllOrdersWithProduct panics

	// locker, when set, records fetches made without the product lock held.
	locker         *recordingLocker
	unguardedCalls int

	infoCalls    int
	fetchCalls   int
	detailsCalls int
}

func newMockSource() *mockSource {
	return &mockSource{
		products:  make(map[string]model.ProductInfo),
		lineItems: make(map[string][]model.SourceLineItem),
		skus:      make(map[string]string),
	}
}

func (m *mockSource) addProduct(id, title string, editionTotal int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[id] = model.ProductInfo{Title: title, VariantIDs: []string{id + "-V1"}, EditionTotal: editionTotal}
}

// addOrder adds a line item to productID's feed with a SKU.
func (m *mockSource) addOrder(productID string, item model.SourceLineItem, sku string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineItems[productID] = append(m.lineItems[productID], item)
	if sku != "" {
		m.skus[item.LineItemID] = sku
	}
}

func (m *mockSource) setSKU(lineItemID, sku string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skus[lineItemID] = sku
}

func (m *mockSource) GetProductInfo(_ context.Context, productID string) (model.ProductInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoCalls++
	if m.infoErr != nil {
		return model.ProductInfo{}, m.infoErr
	}
	info, ok := m.products[productID]
	if !ok {
		return model.ProductInfo{}, fmt.Errorf("product %s: not found", productID)
	}
	return info, nil
}

func (m *mockSource) FetchAllOrdersWithProduct(ctx context.Context, productID string, _ []string) ([]model.SourceLineItem, error) {
	m.mu.Lock()
	m.fetchCalls++
	if m.locker != nil && !m.locker.isHeld() {
		m.unguardedCalls++
	}
	block, err, panics := m.block, m.fetchErr, m.panics
	items := slices.Clone(m.lineItems[productID])
	m.mu.Unlock()

	if panics {
		panic("order feed returned a nil page")
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (m *mockSource) FetchLineItemDetails(_ context.Context, ids []string) (map[string]model.LineItemDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detailsCalls++
	if m.detailsErr != nil {
		return nil, m.detailsErr
	}
	out := make(map[string]model.LineItemDetails, len(ids))
	for _, id := range ids {
		if sku, ok := m.skus[id]; ok {
			out[id] = model.LineItemDetails{SKU: sku}
		}
	}
	return out, nil
}

func (m *mockSource) fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

// --- Mock Store ---------------------------------------------------------------

type mockStore struct {
	mu     sync.Mutex
	rows   map[int64]*model.LineItem
	runs   []*model.SyncRun
	nextID int64

	mutations int

	// locker, when set, records mutations made without the product lock held.
	locker    *recordingLocker
	unguarded int

	failGet        map[string]bool // lineItemID → fail GetByLineItem
	failSetEdition map[int64]bool
	failMarkRemove map[int64]bool
	failList       bool
	failRuns       bool
}

func newMockStore() *mockStore {
	return &mockStore{
		rows:           make(map[int64]*model.LineItem),
		failGet:        make(map[string]bool),
		failSetEdition: make(map[int64]bool),
		failMarkRemove: make(map[int64]bool),
	}
}

// seed inserts a row directly, bypassing the mutation counter.
func (m *mockStore) seed(item *model.LineItem) *model.LineItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *item
	cp.ID = m.nextID
	m.rows[cp.ID] = &cp
	item.ID = cp.ID
	return item
}

func (m *mockStore) clone(rows []*model.LineItem) []*model.LineItem {
	out := make([]*model.LineItem, len(rows))
	for i, r := range rows {
		cp := *r
		if r.EditionNumber != nil {
			cp.EditionNumber = model.EditionInt(*r.EditionNumber)
		}
		out[i] = &cp
	}
	return out
}

func (m *mockStore) GetByLineItem(_ context.Context, orderID, lineItemID string) (*model.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet[lineItemID] {
		return nil, errInjected
	}
	for _, r := range m.rows {
		if r.OrderID == orderID && r.LineItemID == lineItemID {
			return m.clone([]*model.LineItem{r})[0], nil
		}
	}
	return nil, nil
}

func (m *mockStore) ListByProduct(_ context.Context, productID string) ([]*model.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failList {
		return nil, errInjected
	}
	var out []*model.LineItem
	for _, r := range m.rows {
		if productID != "" && r.ProductID == productID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b *model.LineItem) int {
		if (a.EditionNumber == nil) != (b.EditionNumber == nil) {
			if a.EditionNumber == nil {
				return 1
			}
			return -1
		}
		if c := cmp.Compare(a.Edition(), b.Edition()); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return m.clone(out), nil
}

func (m *mockStore) ListDuplicateCandidates(_ context.Context, productID string) ([]*model.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failList {
		return nil, errInjected
	}
	var out []*model.LineItem
	for _, r := range m.rows {
		if r.ProductID == productID || r.ProductID == "" {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b *model.LineItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return m.clone(out), nil
}

func (m *mockStore) Insert(_ context.Context, item *model.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.OrderID == item.OrderID && r.LineItemID == item.LineItemID {
			return fmt.Errorf("unique constraint: %s/%s", item.OrderID, item.LineItemID)
		}
	}
	m.mutations++
	m.checkGuard()
	m.nextID++
	item.ID = m.nextID
	m.rows[item.ID] = m.clone([]*model.LineItem{item})[0]
	return nil
}

func (m *mockStore) Update(_ context.Context, item *model.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[item.ID]; !ok {
		return fmt.Errorf("row %d not found", item.ID)
	}
	m.mutations++
	m.checkGuard()
	m.rows[item.ID] = m.clone([]*model.LineItem{item})[0]
	return nil
}

func (m *mockStore) SetEditionNumber(_ context.Context, id int64, n *int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSetEdition[id] {
		return errInjected
	}
	r, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("row %d not found", id)
	}
	m.mutations++
	m.checkGuard()
	if n == nil {
		r.EditionNumber = nil
	} else {
		r.EditionNumber = model.EditionInt(*n)
	}
	r.UpdatedAt = at
	return nil
}

func (m *mockStore) MarkRemoved(_ context.Context, id int64, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMarkRemove[id] {
		return errInjected
	}
	r, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("row %d not found", id)
	}
	m.mutations++
	m.checkGuard()
	r.Status = model.StatusRemoved
	r.EditionNumber = nil
	r.RemovedReason = reason
	r.UpdatedAt = at
	return nil
}

func (m *mockStore) InsertSyncRun(_ context.Context, run *model.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRuns {
		return errInjected
	}
	run.ID = int64(len(m.runs) + 1)
	m.runs = append(m.runs, run)
	return nil
}

// --- helpers ------------------------------------------------------------------

// checkGuard must be called with m.mu held.
func (m *mockStore) checkGuard() {
	if m.locker != nil && !m.locker.isHeld() {
		m.unguarded++
	}
}

func (m *mockStore) unguardedMutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unguarded
}

func (m *mockStore) get(orderID, lineItemID string) *model.LineItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.OrderID == orderID && r.LineItemID == lineItemID {
			return m.clone([]*model.LineItem{r})[0]
		}
	}
	return nil
}

func (m *mockStore) byID(id int64) *model.LineItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clone([]*model.LineItem{m.rows[id]})[0]
}

func (m *mockStore) mutationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutations
}

// editionsByLineItem maps lineItemID → edition number (0 for nil) across all
// rows of productID.
func (m *mockStore) editionsByLineItem(productID string) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, r := range m.rows {
		if r.ProductID == productID {
			out[r.LineItemID] = r.Edition()
		}
	}
	return out
}

func (m *mockStore) all() []*model.LineItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.LineItem, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	return m.clone(out)
}
