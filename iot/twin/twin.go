package twin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/cloudio/core/access"
	"github.com/relabs-tech/cloudio/core/logger"
	"github.com/relabs-tech/cloudio/core/router"
	"github.com/relabs-tech/cloudio/iot/format"
	"github.com/relabs-tech/cloudio/iot/model"
)

// EndpointAuthorizer returns the permission an identity holds on an endpoint
type EndpointAuthorizer interface {
	AuthorizeEndpointAccess(ctx context.Context, identity, endpointID string) (access.Permission, error)
}

// API is the RESTful interface for the device twin.
type API struct {
	store      Store
	authorizer EndpointAuthorizer
	publisher  router.Publisher
}

// Builder is a builder helper for the twin API
type Builder struct {
	// Store holds the endpoint twins. This is mandatory.
	Store Store
	// Authorizer decides about access to single endpoints. This is mandatory.
	Authorizer EndpointAuthorizer
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Publisher is optional. Without publisher attributes cannot be set.
	Publisher router.Publisher
}

// NewAPI realizes the actual API and adds its routes to the router
func NewAPI(b *Builder) *API {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Authorizer == nil {
		panic("Authorizer is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}

	s := &API{
		store:      b.Store,
		authorizer: b.Authorizer,
		publisher:  b.Publisher,
	}
	s.handleRoutes(b.Router.PathPrefix("/endpoints").Subrouter())
	return s
}

type endpointSummary struct {
	ID      string `json:"id"`
	Online  bool   `json:"online"`
	Blocked bool   `json:"blocked"`
}

type blockedRequest struct {
	Blocked bool `json:"blocked"`
}

type setRequest struct {
	Value interface{} `json:"value"`
}

func (s *API) handleRoutes(r *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("twin: handle route /endpoints GET")
	rlog.Debugln("twin: handle route /endpoints/{id} GET,DELETE")
	rlog.Debugln("twin: handle route /endpoints/{id}/blocked PUT")
	rlog.Debugln("twin: handle route /endpoints/{id}/{path} GET,PUT")

	r.Use(handlers.CompressHandler)

	r.HandleFunc("", s.listEndpoints).Methods(http.MethodGet)
	r.HandleFunc("/{id}", s.getEndpoint).Methods(http.MethodGet)
	r.HandleFunc("/{id}", s.deleteEndpoint).Methods(http.MethodDelete)
	r.HandleFunc("/{id}/blocked", s.putBlocked).Methods(http.MethodPut)
	r.HandleFunc("/{id}/{path}", s.getElement).Methods(http.MethodGet)
	r.HandleFunc("/{id}/{path}", s.setAttribute).Methods(http.MethodPut)
}

// authorize writes the error response and returns false if the caller does
// not hold the requested permission on the endpoint.
func (s *API) authorize(w http.ResponseWriter, r *http.Request, endpointID string, requested access.Permission) bool {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return false
	}
	if auth.HasAuthority(access.AuthorityBrokerAdministration) {
		return true
	}
	granted, err := s.authorizer.AuthorizeEndpointAccess(r.Context(), auth.Identity, endpointID)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot authorize access to", endpointID)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return false
	}
	if !granted.Grants(requested) {
		http.Error(w, "not authorized", http.StatusForbidden)
		return false
	}
	return true
}

func (s *API) load(w http.ResponseWriter, r *http.Request, id string) (*EndpointEntity, bool) {
	entity, err := s.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "no such endpoint", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot load endpoint", id)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return entity, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	jsonData, _ := json.MarshalIndent(v, "", " ")
	w.Header().Set("Content-Type", "application/json")
	w.Write(jsonData)
}

func (s *API) listEndpoints(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	ids, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	admin := auth.HasAuthority(access.AuthorityBrokerAdministration)
	response := []endpointSummary{}
	for _, id := range ids {
		if !admin {
			granted, err := s.authorizer.AuthorizeEndpointAccess(r.Context(), auth.Identity, id)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !granted.Grants(access.PermissionRead) {
				continue
			}
		}
		entity, err := s.store.Get(r.Context(), id)
		if errors.Is(err, ErrNotFound) {
			continue // deleted meanwhile
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		response = append(response, endpointSummary{ID: entity.ID, Online: entity.Online, Blocked: entity.Blocked})
	}
	writeJSON(w, response)
}

func (s *API) getEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorize(w, r, id, access.PermissionRead) {
		return
	}
	entity, ok := s.load(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, entity)
}

func (s *API) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorize(w, r, id, access.PermissionOwn) {
		return
	}
	err := s.store.Delete(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "no such endpoint", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	logger.FromContext(r.Context()).Infoln("deleted endpoint", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *API) putBlocked(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !access.AuthorizationFromContext(r.Context()).HasAuthority(access.AuthorityBrokerAdministration) {
		http.Error(w, "not authorized", http.StatusForbidden)
		return
	}
	var request blockedRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}
	entity, ok := s.load(w, r, id)
	if !ok {
		return
	}
	entity.Blocked = request.Blocked
	if err := s.store.Save(r.Context(), entity); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	logger.FromContext(r.Context()).Infof("endpoint %s blocked=%t", id, request.Blocked)
	w.WriteHeader(http.StatusNoContent)
}

func (s *API) getElement(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	id := params["id"]
	if !s.authorize(w, r, id, access.PermissionRead) {
		return
	}
	entity, ok := s.load(w, r, id)
	if !ok {
		return
	}
	element, ok := entity.Endpoint.Find(strings.Split(params["path"], ".")...)
	if !ok {
		http.Error(w, "no such element", http.StatusNotFound)
		return
	}
	writeJSON(w, element)
}

// setAttribute asks the endpoint to change a parameter or set point. The
// twin itself changes when the endpoint reports the new value.
func (s *API) setAttribute(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	id := params["id"]
	path := params["path"]
	if s.publisher == nil {
		http.Error(w, "setting attributes is not supported", http.StatusNotImplemented)
		return
	}
	if !s.authorize(w, r, id, access.PermissionWrite) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var request setRequest
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err = decoder.Decode(&request); err != nil || request.Value == nil {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}

	entity, ok := s.load(w, r, id)
	if !ok {
		return
	}
	current, ok := entity.Endpoint.Attribute(strings.Split(path, ".")...)
	if !ok {
		http.Error(w, "no such attribute", http.StatusNotFound)
		return
	}
	if current.Constraint != model.ConstraintParameter && current.Constraint != model.ConstraintSetPoint {
		http.Error(w, fmt.Sprintf("attribute with constraint %s is read-only", current.Constraint), http.StatusConflict)
		return
	}

	attribute := &model.Attribute{
		Timestamp:  float64(time.Now().UnixMilli()) / 1000,
		Constraint: current.Constraint,
		Type:       current.Type,
		Value:      request.Value,
	}
	if err = attribute.Normalize(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payload, err := format.Encode(format.JSON, attribute)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	msg := &router.Message{
		Exchange:   router.TopicExchange,
		RoutingKey: "@set." + id + "." + path,
		Headers:    map[string]string{},
		Body:       payload,
	}
	logger.InjectHeaders(r.Context(), msg.Headers)
	if err = s.publisher.Publish(r.Context(), msg); err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot publish", msg.RoutingKey)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
