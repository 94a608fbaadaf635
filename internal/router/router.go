// Package router resolves inbound requests to handlers through an ordered,
// first-match route table.
package router

import (
	"regexp"
	"strings"

	"tg-bot-proxy/internal/model"
	"tg-bot-proxy/internal/response"
)

// Predicate reports whether a request satisfies a route condition.
// Predicates must be pure.
type Predicate func(*model.ProxyRequest) bool

// HandlerFunc produces a response for a matched request.
type HandlerFunc func(*model.ProxyRequest) (*model.ProxyResponse, error)

// Route is a single table entry. An empty condition set always matches.
type Route struct {
	Conditions []Predicate
	Handler    HandlerFunc
}

// Method matches requests whose method equals method, ignoring case.
func Method(method string) Predicate {
	return func(r *model.ProxyRequest) bool {
		return strings.EqualFold(r.Method, method)
	}
}

// Get matches GET requests.
var Get = Method("GET")

// Post matches POST requests.
var Post = Method("POST")

// Path matches requests whose escaped URL path is matched by re in its entirety.
func Path(re *regexp.Regexp) Predicate {
	return func(r *model.ProxyRequest) bool {
		path := r.EscapedPath()
		loc := re.FindStringIndex(path)
		return loc != nil && loc[0] == 0 && loc[1] == len(path)
	}
}

// Router is an ordered route table. Routes are registered during setup and
// only read afterwards, so a built Router is safe for concurrent use.
type Router struct {
	routes   []Route
	notFound HandlerFunc
}

// New returns an empty Router.
func New() *Router {
	return &Router{}
}

// NotFound sets the handler used when no route matches. It defaults to the
// canned 404 response.
func (rt *Router) NotFound(h HandlerFunc) *Router {
	rt.notFound = h
	return rt
}

// Handle appends a route and returns the router for chaining.
func (rt *Router) Handle(conditions []Predicate, h HandlerFunc) *Router {
	rt.routes = append(rt.routes, Route{Conditions: conditions, Handler: h})
	return rt
}

// Get registers h for GET requests whose path fully matches re.
func (rt *Router) Get(re *regexp.Regexp, h HandlerFunc) *Router {
	return rt.Handle([]Predicate{Get, Path(re)}, h)
}

// Post registers h for POST requests whose path fully matches re.
func (rt *Router) Post(re *regexp.Regexp, h HandlerFunc) *Router {
	return rt.Handle([]Predicate{Post, Path(re)}, h)
}

// All registers h for every request.
func (rt *Router) All(h HandlerFunc) *Router {
	return rt.Handle(nil, h)
}

// Len returns the number of registered routes.
func (rt *Router) Len() int {
	return len(rt.routes)
}

// Resolve returns the first route whose conditions all hold.
func (rt *Router) Resolve(r *model.ProxyRequest) (Route, bool) {
	for _, route := range rt.routes {
		if matches(route.Conditions, r) {
			return route, true
		}
	}
	return Route{}, false
}

// Route dispatches r to the first matching handler. When nothing matches it
// answers with the not-found handler, by default the canned 404 response.
func (rt *Router) Route(r *model.ProxyRequest) (*model.ProxyResponse, error) {
	route, ok := rt.Resolve(r)
	if !ok {
		if rt.notFound != nil {
			return rt.notFound(r)
		}
		return response.NotFound(), nil
	}
	return route.Handler(r)
}

func matches(conditions []Predicate, r *model.ProxyRequest) bool {
	for _, c := range conditions {
		if !c(r) {
			return false
		}
	}
	return true
}
