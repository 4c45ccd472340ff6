package auth

import (
	"errors"
)

// Actions of the authentication protocol
const (
	ActionLogin         = "login"
	ActionCheckVHost    = "check_vhost"
	ActionCheckResource = "check_resource"
)

// Resource kinds of check_resource
const (
	ResourceExchange   = "exchange"
	ResourceQueue      = "queue"
	ResourceRoutingKey = "routing_key"
)

// Decision tokens. A successful login answers with the comma separated
// authorities of the identity instead.
const (
	Refused = "refused"
	Allow   = "allow"
	Deny    = "deny"
)

// Message headers carrying the request fields
const (
	HeaderAction     = "action"
	HeaderUsername   = "username"
	HeaderPassword   = "password"
	HeaderVHost      = "vhost"
	HeaderResource   = "resource"
	HeaderName       = "name"
	HeaderPermission = "permission"
)

var (
	// ErrMalformedRequest is returned when a required field is missing
	ErrMalformedRequest = errors.New("malformed request")
	// ErrUnknownAction is returned for actions other than login, check_vhost and check_resource
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidRoutingKey is returned for routing keys which name no endpoint
	ErrInvalidRoutingKey = errors.New("invalid routing key")
)

// Request is a question to the decision engine. Empty fields count as
// missing. HasPassword distinguishes a login with password from a
// certificate login.
type Request struct {
	Action      string
	Username    string
	Password    string
	HasPassword bool
	VHost       string
	Resource    string
	Name        string
	Permission  string
}

// RequestFromHeaders reads a request from message headers
func RequestFromHeaders(headers map[string]string) Request {
	password, hasPassword := headers[HeaderPassword]
	return Request{
		Action:      headers[HeaderAction],
		Username:    headers[HeaderUsername],
		Password:    password,
		HasPassword: hasPassword,
		VHost:       headers[HeaderVHost],
		Resource:    headers[HeaderResource],
		Name:        headers[HeaderName],
		Permission:  headers[HeaderPermission],
	}
}

// Headers returns the message headers for the request
func (r Request) Headers() map[string]string {
	headers := map[string]string{}
	set := func(key, value string) {
		if len(value) > 0 {
			headers[key] = value
		}
	}
	set(HeaderAction, r.Action)
	set(HeaderUsername, r.Username)
	if r.HasPassword {
		headers[HeaderPassword] = r.Password
	}
	set(HeaderVHost, r.VHost)
	set(HeaderResource, r.Resource)
	set(HeaderName, r.Name)
	set(HeaderPermission, r.Permission)
	return headers
}

// Login returns a login request. Without password the identity is expected
// to be authenticated by its client certificate.
func Login(username string, password ...string) Request {
	r := Request{Action: ActionLogin, Username: username}
	if len(password) > 0 {
		r.Password = password[0]
		r.HasPassword = true
	}
	return r
}

// CheckVHost returns a check_vhost request
func CheckVHost(username, vhost string) Request {
	return Request{Action: ActionCheckVHost, Username: username, VHost: vhost}
}

// CheckResource returns a check_resource request
func CheckResource(username, resource, name, permission string) Request {
	return Request{
		Action:     ActionCheckResource,
		Username:   username,
		Resource:   resource,
		Name:       name,
		Permission: permission,
	}
}
