package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-webhook-pipeline/core"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds and memoizes the pipeline stores over one bun DB.
type RepositoryFactory struct {
	db *bun.DB

	eventStore      *EventStore
	retryStore      *RetryStore
	deadLetterStore *DeadLetterStore
	ruleStore       *RuleStore
	cachedRuleStore *CachedRuleStore
	deliveryStore   *DeliveryStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.eventStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) initStores() error {
	eventStore, err := NewEventStore(f.db)
	if err != nil {
		return err
	}
	retryStore, err := NewRetryStore(f.db)
	if err != nil {
		return err
	}
	deadLetterStore, err := NewDeadLetterStore(f.db)
	if err != nil {
		return err
	}
	ruleStore, err := NewRuleStore(f.db)
	if err != nil {
		return err
	}
	deliveryStore, err := NewDeliveryStore(f.db)
	if err != nil {
		return err
	}

	f.eventStore = eventStore
	f.retryStore = retryStore
	f.deadLetterStore = deadLetterStore
	f.ruleStore = ruleStore
	f.deliveryStore = deliveryStore
	return nil
}

// EnableRuleCache wraps the rule store with the repository cache so the
// dispatcher reads rules from memory between invalidations.
func (f *RepositoryFactory) EnableRuleCache(cacheService repositorycache.CacheService) error {
	if f == nil || f.ruleStore == nil {
		return fmt.Errorf("sqlstore: repository factory is not built")
	}
	cached, err := NewCachedRuleStore(f.ruleStore, cacheService)
	if err != nil {
		return err
	}
	f.cachedRuleStore = cached
	return nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) EventStore() core.EventStore {
	if f == nil {
		return nil
	}
	return f.eventStore
}

func (f *RepositoryFactory) RetryStore() core.RetryStore {
	if f == nil {
		return nil
	}
	return f.retryStore
}

func (f *RepositoryFactory) DeadLetterStore() core.DeadLetterStore {
	if f == nil {
		return nil
	}
	return f.deadLetterStore
}

func (f *RepositoryFactory) RuleStore() core.RuleStore {
	if f == nil {
		return nil
	}
	if f.cachedRuleStore != nil {
		return f.cachedRuleStore
	}
	return f.ruleStore
}

func (f *RepositoryFactory) DeliveryStore() core.DeliveryStore {
	if f == nil {
		return nil
	}
	return f.deliveryStore
}

func resolveBunDB(persistenceClient any) (*bun.DB, error) {
	switch client := persistenceClient.(type) {
	case *bun.DB:
		if client == nil {
			return nil, fmt.Errorf("sqlstore: bun db is nil")
		}
		return client, nil
	case *persistence.Client:
		if client == nil {
			return nil, fmt.Errorf("sqlstore: persistence client is nil")
		}
		db := client.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client has no db")
		}
		return db, nil
	}
	return nil, fmt.Errorf("sqlstore: unsupported persistence client %T", persistenceClient)
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var _ core.StoreProvider = (*RepositoryFactory)(nil)
