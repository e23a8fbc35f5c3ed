package broadcast

import "sync"

// Subscriber is a live client connection as seen by the fanout.
type Subscriber interface {
	ID() string
	UserId() string
	// ChainId is the chain the connection logged in on, 0 before login.
	ChainId() int64
	// Subscribed reports whether the connection follows the market; TargetAll
	// asks whether it follows any market of the chain.
	Subscribed(chainId int64, market string) bool
	Send(payload []byte) error
}

// Registry indexes the connections of this instance. It is owned by the
// transport layer and consulted by the Hub only.
type Registry struct {
	mu   sync.RWMutex
	byId map[string]Subscriber
}

func NewRegistry() *Registry {
	return &Registry{byId: make(map[string]Subscriber)}
}

func (r *Registry) Add(subscriber Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byId[subscriber.ID()] = subscriber
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byId, id)
}

func (r *Registry) Get(id string) (Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subscriber, ok := r.byId[id]
	return subscriber, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byId)
}

// ForUser returns the connections the user logged in with on the chain.
func (r *Registry) ForUser(chainId int64, userId string) []Subscriber {
	return r.filter(func(s Subscriber) bool {
		return userId != "" && s.UserId() == userId && s.ChainId() == chainId
	})
}

func (r *Registry) ForMarket(chainId int64, market string) []Subscriber {
	return r.filter(func(s Subscriber) bool {
		return s.Subscribed(chainId, market)
	})
}

func (r *Registry) filter(match func(Subscriber) bool) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Subscriber
	for _, s := range r.byId {
		if match(s) {
			result = append(result, s)
		}
	}
	return result
}
