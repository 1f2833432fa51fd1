package httpapi

import (
	"github.com/mistakeknot/interdesk/internal/assign"
	"github.com/mistakeknot/interdesk/internal/history"
	"github.com/mistakeknot/interdesk/internal/permission"
	"github.com/mistakeknot/interdesk/internal/storage"
)

// ConnCounter reports live transport connections for /healthz.
type ConnCounter interface {
	Connections() int
}

type breaker interface {
	CircuitBreakerState() string
}

type Service struct {
	store           storage.Store
	engine          *assign.Engine
	gate            *permission.Gate
	pager           *history.Pager
	conns           ConnCounter
	defaultCapacity int
}

func NewService(store storage.Store, engine *assign.Engine, gate *permission.Gate, pager *history.Pager) *Service {
	return &Service{store: store, engine: engine, gate: gate, pager: pager, defaultCapacity: 5}
}

func (s *Service) WithConnections(c ConnCounter) *Service {
	s.conns = c
	return s
}

// WithDefaultCapacity sets the capacity given to agents created without one.
func (s *Service) WithDefaultCapacity(n int) *Service {
	if n >= 0 {
		s.defaultCapacity = n
	}
	return s
}
