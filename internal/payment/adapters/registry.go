package adapters

import (
	"net/http"
	"sort"

	"github.com/smallbiznis/coursepay/internal/payment/domain"
)

type Registry struct {
	factories map[domain.Method]domain.AdapterFactory
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{factories: map[domain.Method]domain.AdapterFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		method := factory.Method()
		if method.Code() == "" {
			continue
		}
		registry.factories[method] = factory
	}
	return registry
}

func (r *Registry) Supports(method domain.Method) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[method]
	return ok
}

func (r *Registry) NewAdapter(method domain.Method, cfg domain.AdapterConfig) (domain.GatewayAdapter, error) {
	if r == nil {
		return nil, domain.ErrUnsupportedMethod
	}
	factory, ok := r.factories[method]
	if !ok {
		return nil, domain.ErrUnsupportedMethod
	}
	return factory.NewAdapter(cfg)
}

// Acknowledge answers for a method without building an adapter, for
// callbacks that arrive while the gateway is misconfigured.
func (r *Registry) Acknowledge(method domain.Method, result domain.SettlementResult) domain.Acknowledgement {
	if r != nil {
		if factory, ok := r.factories[method]; ok {
			return factory.Acknowledge(result)
		}
	}
	return domain.Acknowledgement{StatusCode: http.StatusNotFound}
}

func (r *Registry) Methods() []domain.Method {
	if r == nil {
		return nil
	}
	methods := make([]domain.Method, 0, len(r.factories))
	for method := range r.factories {
		methods = append(methods, method)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })
	return methods
}
