// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package liveserver

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// ServiceRequest is one client call to a service.
type ServiceRequest struct {
	ConnectionID uint64
	ServiceID    uint32
	CallID       uint32
	Encoding     string
	Payload      []byte
}

// ServiceHandler answers a service call. The response is sent with
// the request's encoding. A returned error is sent to the client as a
// serviceCallFailure.
type ServiceHandler func(ctx context.Context, request ServiceRequest) ([]byte, error)

// Service is a request/response endpoint clients can call.
type Service struct {
	Name           string
	Type           string
	RequestSchema  string
	ResponseSchema string
	Handler        ServiceHandler
}

type registeredService struct {
	id uint32
	Service
}

func (s registeredService) advertised() AdvertisedService {
	return AdvertisedService{
		ID:             s.id,
		Name:           s.Name,
		Type:           s.Type,
		RequestSchema:  s.RequestSchema,
		ResponseSchema: s.ResponseSchema,
	}
}

// Parameter is a named JSON value in the server's parameter store.
type Parameter struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value,omitempty"`
}

// AssetHandler serves fetchAsset requests.
type AssetHandler interface {
	FetchAsset(ctx context.Context, uri string) ([]byte, error)
}

// AssetHandlerFunc adapts a function to AssetHandler.
type AssetHandlerFunc func(ctx context.Context, uri string) ([]byte, error)

// FetchAsset calls f.
func (f AssetHandlerFunc) FetchAsset(ctx context.Context, uri string) ([]byte, error) {
	return f(ctx, uri)
}

// ConnectionInfo identifies a client connection in hooks.
type ConnectionInfo struct {
	ID         uint64
	RemoteAddr string
}

// ClientMessage is a payload a client published on a writable
// channel.
type ClientMessage struct {
	Connection ConnectionInfo
	ChannelID  uint32
	Topic      string
	Payload    []byte
}

// Hooks observe client activity. Hooks run on the connection's
// receiver goroutine and must not block for long. Nil hooks are
// skipped.
type Hooks struct {
	OnConnect           func(ConnectionInfo)
	OnDisconnect        func(ConnectionInfo)
	OnSubscribe         func(ConnectionInfo, uint32)
	OnUnsubscribe       func(ConnectionInfo, uint32)
	OnClientPublish     func(ClientMessage)
	OnParametersChanged func([]Parameter)
}

// AddService registers a service and advertises it to every client.
// Names must be unique.
func (s *Server) AddService(service Service) (uint32, error) {
	if service.Name == "" {
		return 0, fmt.Errorf("service name is empty")
	}
	if service.Handler == nil {
		return 0, fmt.Errorf("service %q has no handler", service.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.services {
		if existing.Name == service.Name {
			return 0, fmt.Errorf("service %q is already registered as %d", service.Name, existing.id)
		}
	}
	s.nextServiceID++
	registered := registeredService{id: s.nextServiceID, Service: service}
	s.services[registered.id] = registered

	frame := encodeJSON(advertiseServicesMessage{Op: opAdvertiseServices, Services: []AdvertisedService{registered.advertised()}})
	for _, conn := range s.connections {
		conn.sendControl(frame)
	}
	return registered.id, nil
}

// RemoveService unregisters a service and unadvertises it.
func (s *Server) RemoveService(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[id]; !ok {
		return fmt.Errorf("service %d is not registered", id)
	}
	delete(s.services, id)

	frame := encodeJSON(unadvertiseServicesMessage{Op: opUnadvertiseServices, ServiceIDs: []uint32{id}})
	for _, conn := range s.connections {
		conn.sendControl(frame)
	}
	return nil
}

func (s *Server) service(id uint32) (registeredService, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	service, ok := s.services[id]
	return service, ok
}

// advertisedServicesLocked lists services in ID order.
func (s *Server) advertisedServicesLocked() []AdvertisedService {
	ids := slices.Sorted(maps.Keys(s.services))
	advertised := make([]AdvertisedService, 0, len(ids))
	for _, id := range ids {
		advertised = append(advertised, s.services[id].advertised())
	}
	return advertised
}

// SetParameters updates the parameter store and notifies clients
// watching any of the changed names. A parameter with a nil Value is
// deleted.
func (s *Server) SetParameters(parameters []Parameter) {
	if len(parameters) == 0 {
		return
	}
	s.mu.Lock()
	for _, parameter := range parameters {
		if parameter.Value == nil {
			delete(s.parameters, parameter.Name)
			continue
		}
		s.parameters[parameter.Name] = slices.Clone(parameter.Value)
	}
	connections := slices.Clone(s.connections)
	s.mu.Unlock()

	for _, conn := range connections {
		if watched := conn.watchedParameters(parameters); len(watched) > 0 {
			conn.sendControl(encodeJSON(parameterValuesMessage{Op: opParameterValues, Parameters: watched}))
		}
	}
	if s.options.Hooks.OnParametersChanged != nil {
		s.options.Hooks.OnParametersChanged(parameters)
	}
}

// Parameters returns the named parameters, or every parameter when no
// names are given, sorted by name. Unknown names are omitted.
func (s *Server) Parameters(names ...string) []Parameter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(names) == 0 {
		names = slices.Sorted(maps.Keys(s.parameters))
	}
	parameters := make([]Parameter, 0, len(names))
	for _, name := range names {
		if value, ok := s.parameters[name]; ok {
			parameters = append(parameters, Parameter{Name: name, Value: slices.Clone(value)})
		}
	}
	return parameters
}
