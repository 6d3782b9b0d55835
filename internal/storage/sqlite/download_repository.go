package sqlite

import (
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/italolelis/download_manager/internal/storage"
)

var _ storage.Store = (*DownloadRepository)(nil)

// DownloadRepository is the SQLite record store. Writes made through it are
// published to every subscriber.
type DownloadRepository struct {
	*DownloadReadRepository
	*DownloadWriteRepository

	mu          sync.Mutex
	nextID      int
	subscribers map[int]func()
}

func NewDownloadRepository(db *sqlx.DB) *DownloadRepository {
	r := &DownloadRepository{
		DownloadReadRepository: NewDownloadReadRepository(db),
		subscribers:            make(map[int]func()),
	}
	r.DownloadWriteRepository = NewDownloadWriteRepository(db, r.publish)

	return r
}

// Subscribe registers fn to be called after every write. fn must not block.
func (r *DownloadRepository) Subscribe(fn func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.subscribers[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		delete(r.subscribers, id)
	}
}

func (r *DownloadRepository) publish() {
	r.mu.Lock()
	subs := make([]func(), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}
