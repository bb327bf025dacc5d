package data

import (
	"go.uber.org/zap"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/biz/repo"
)

// Repositories contains all repositories
type Repositories struct {
	KV        *SQLiteKV
	Backend   repo.MessageAPI
	Suggester repo.ReplySuggester // nil when disabled
	Notifier  repo.StaffNotifier  // nil when disabled
}

// Options carries what NewRepositories needs
type Options struct {
	DBPath    string
	Backend   BackendConfig
	Tokens    domain.TokenProvider
	Suggester SuggesterConfig
	FeishuID  string
	FeishuKey string
}

// NewRepositories creates all repositories
func NewRepositories(opts Options, logger *zap.Logger) (*Repositories, error) {
	kv, err := NewKVStore(opts.DBPath)
	if err != nil {
		return nil, err
	}

	backend, err := NewBackendClient(opts.Backend, opts.Tokens, logger)
	if err != nil {
		kv.Close()
		return nil, err
	}

	repos := &Repositories{KV: kv, Backend: backend}

	// Assign only non-nil pointers so the interfaces stay nil when disabled.
	if s := NewOpenAISuggester(opts.Suggester); s != nil {
		repos.Suggester = s
	}
	if n := NewFeishuNotifier(opts.FeishuID, opts.FeishuKey); n != nil {
		repos.Notifier = n
	}
	return repos, nil
}

// Close releases held resources
func (r *Repositories) Close() error {
	return r.KV.Close()
}
