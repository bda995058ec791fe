package messaging

import (
	"github.com/glimte/relaybus/contracts"
)

// Route addresses a message on the broker.
type Route struct {
	Topic string
	Key   string
}

// Router chooses the route of a message that was published without an
// explicit one.
type Router interface {
	Route(kind contracts.Kind, messageType string) Route
}

// DefaultRouter puts every kind on its own topic under Prefix and keys
// messages by type.
type DefaultRouter struct {
	Prefix string
}

func NewDefaultRouter(prefix string) DefaultRouter {
	if prefix == "" {
		prefix = "relay"
	}
	return DefaultRouter{Prefix: prefix}
}

func (r DefaultRouter) Route(kind contracts.Kind, messageType string) Route {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "relay"
	}
	switch kind {
	case contracts.KindCommand:
		return Route{Topic: prefix + ".commands", Key: "cmd." + messageType}
	case contracts.KindEvent:
		return Route{Topic: prefix + ".events", Key: "evt." + messageType}
	case contracts.KindQuery:
		return Route{Topic: prefix + ".queries", Key: "qry." + messageType}
	default:
		return Route{Topic: prefix + ".messages", Key: "msg." + messageType}
	}
}

// Topics lists the topics DefaultRouter can produce.
func (r DefaultRouter) Topics() []string {
	var topics []string
	for _, k := range []contracts.Kind{contracts.KindCommand, contracts.KindEvent, contracts.KindQuery, contracts.KindMessage} {
		topics = append(topics, r.Route(k, "").Topic)
	}
	return topics
}

// RouteOf returns the route recorded in the envelope headers, falling back
// to router for anything missing.
func RouteOf(env *contracts.Envelope, router Router) Route {
	route := Route{
		Topic: env.Header(contracts.HeaderTopic),
		Key:   env.Header(contracts.HeaderRoute),
	}
	if route.Topic != "" && route.Key != "" {
		return route
	}
	kind := contracts.Kind(env.Header(contracts.HeaderMessageKind))
	if kind == "" {
		kind = contracts.KindMessage
	}
	fallback := router.Route(kind, env.Type)
	if route.Topic == "" {
		route.Topic = fallback.Topic
	}
	if route.Key == "" {
		route.Key = fallback.Key
	}
	return route
}
