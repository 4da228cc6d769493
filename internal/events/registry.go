package events

import (
	"sort"
)

// Service names
const (
	ServiceAuth        = "auth"
	ServicePatient     = "patient"
	ServiceDoctor      = "doctor"
	ServiceAppointment = "appointment"
	ServiceAdmin       = "admin"
)

var topicTypes = map[string][]string{
	TopicUser:         {Created, Updated, Deleted},
	TopicPatient:      {Created, Deleted},
	TopicAssignment:   {Assigned, Unassigned},
	TopicAppointment:  {Created, Updated, Approved, Denied, Cancelled, Deleted},
	TopicPrescription: {Created, StatusChanged, Deleted},
}

// Topics returns every known topic in stable order
func Topics() []string {
	topics := make([]string, 0, len(topicTypes))
	for topic := range topicTypes {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Types returns the closed set of event types carried on topic
func Types(topic string) []string {
	return append([]string(nil), topicTypes[topic]...)
}

// Allowed reports whether typ belongs to topic's closed set
func Allowed(topic, typ string) bool {
	for _, t := range topicTypes[topic] {
		if t == typ {
			return true
		}
	}
	return false
}

// ConsumerGroup returns the consumer group a service subscribes under.
// Distinct groups make delivery broadcast across services.
func ConsumerGroup(service string) string {
	return service + "-projections"
}

// Route identifies one event type on one topic
type Route struct {
	Topic string
	Type  string
}

// ServiceContract lists what one service may emit and what it projects
type ServiceContract struct {
	Produces []Route
	Consumes []string
}

// Registry is the fixed table of per-service produce and consume rights
type Registry struct {
	services map[string]ServiceContract
}

// NewRegistry creates a registry from explicit contracts
func NewRegistry(contracts map[string]ServiceContract) *Registry {
	return &Registry{services: contracts}
}

// DefaultRegistry returns the contracts of the five services
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]ServiceContract{
		ServiceAuth: {
			Produces: routes(TopicUser, Created, Updated, Deleted),
		},
		ServicePatient: {
			Produces: append(
				routes(TopicPatient, Created, Deleted),
				routes(TopicPrescription, Created, Deleted)...,
			),
			Consumes: []string{TopicUser, TopicAssignment, TopicAppointment, TopicPrescription},
		},
		ServiceDoctor: {
			Produces: append(
				routes(TopicAssignment, Assigned, Unassigned),
				routes(TopicPrescription, StatusChanged)...,
			),
			Consumes: []string{TopicUser, TopicPatient, TopicAppointment, TopicPrescription},
		},
		ServiceAppointment: {
			Produces: routes(TopicAppointment, Created, Updated, Approved, Denied, Cancelled, Deleted),
			Consumes: []string{TopicUser, TopicPatient, TopicAssignment},
		},
		ServiceAdmin: {
			Consumes: []string{TopicUser, TopicPatient, TopicAssignment, TopicAppointment, TopicPrescription},
		},
	})
}

func routes(topic string, types ...string) []Route {
	out := make([]Route, 0, len(types))
	for _, t := range types {
		out = append(out, Route{Topic: topic, Type: t})
	}
	return out
}

// Known reports whether service is registered
func (r *Registry) Known(service string) bool {
	_, ok := r.services[service]
	return ok
}

// Services returns the registered service names in stable order
func (r *Registry) Services() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CanProduce reports whether service may emit typ on topic
func (r *Registry) CanProduce(service, topic, typ string) bool {
	for _, route := range r.services[service].Produces {
		if route.Topic == topic && route.Type == typ {
			return true
		}
	}
	return false
}

// Produces returns the routes service may emit
func (r *Registry) Produces(service string) []Route {
	return append([]Route(nil), r.services[service].Produces...)
}

// Subscriptions returns the topics service projects
func (r *Registry) Subscriptions(service string) []string {
	return append([]string(nil), r.services[service].Consumes...)
}
