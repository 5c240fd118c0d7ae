package server

import (
	"bytes"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-story-cache/utils"
)

const HeaderRequestID = "X-Request-ID"

var methodIndex = map[string]uint8{
	fasthttp.MethodGet:    0,
	fasthttp.MethodPost:   1,
	fasthttp.MethodPut:    2,
	fasthttp.MethodDelete: 3,
	fasthttp.MethodPatch:  4,
}

var (
	getBytes    = []byte(fasthttp.MethodGet)
	postBytes   = []byte(fasthttp.MethodPost)
	putBytes    = []byte(fasthttp.MethodPut)
	deleteBytes = []byte(fasthttp.MethodDelete)
	patchBytes  = []byte(fasthttp.MethodPatch)
)

// Router is a segment trie. "{name}" segments match any single path
// segment and are exposed through ctx.UserValue(name).
type Router struct {
	root         *routeNode
	staticRoutes map[string]fasthttp.RequestHandler
	middlewares  []Middleware
	chain        fasthttp.RequestHandler
	mu           sync.RWMutex
}

type routeNode struct {
	staticChildren map[string]*routeNode
	paramChild     *routeNode
	paramName      string
	methodMask     uint8
	handlers       [5]fasthttp.RequestHandler
}

func NewRouter() *Router {
	r := &Router{
		root:         newRouteNode(),
		staticRoutes: make(map[string]fasthttp.RequestHandler),
	}
	r.chain = r.dispatch
	return r
}

// Use wraps every route. The first middleware given is the outermost.
func (r *Router) Use(middlewares ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.middlewares = append(r.middlewares, middlewares...)
	r.chain = Chain(r.dispatch, r.middlewares...)
}

func newRouteNode() *routeNode {
	return &routeNode{staticChildren: make(map[string]*routeNode)}
}

func (r *Router) GET(path string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodGet, path, handler)
}

func (r *Router) POST(path string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodPost, path, handler)
}

func (r *Router) DELETE(path string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodDelete, path, handler)
}

// Add ignores methods outside GET, POST, PUT, DELETE and PATCH.
func (r *Router) Add(method, path string, handler fasthttp.RequestHandler) {
	methodIdx, exists := methodIndex[method]
	if !exists || handler == nil {
		return
	}

	path = normalizePath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.Contains(path, "{") {
		r.staticRoutes[method+":"+path] = handler
	}

	node := r.root
	for _, segment := range splitPath(path) {
		if len(segment) > 2 && segment[0] == '{' && segment[len(segment)-1] == '}' {
			if node.paramChild == nil {
				node.paramChild = newRouteNode()
				node.paramChild.paramName = segment[1 : len(segment)-1]
			}
			node = node.paramChild
			continue
		}

		child, ok := node.staticChildren[segment]
		if !ok {
			child = newRouteNode()
			node.staticChildren[segment] = child
		}
		node = child
	}

	node.handlers[methodIdx] = handler
	node.methodMask |= 1 << methodIdx
}

// Handler assigns a request id, then runs the middleware chain around
// dispatch.
func (r *Router) Handler(ctx *fasthttp.RequestCtx) {
	requestID := string(ctx.Request.Header.Peek(HeaderRequestID))
	if requestID == "" {
		requestID = uuid.New().String()
		ctx.Request.Header.Set(HeaderRequestID, requestID)
	}
	ctx.Response.Header.Set(HeaderRequestID, requestID)

	r.mu.RLock()
	chain := r.chain
	r.mu.RUnlock()

	chain(ctx)
}

// dispatch answers 404 for unknown paths and 405 for known paths with the
// wrong method.
func (r *Router) dispatch(ctx *fasthttp.RequestCtx) {
	methodIdx, known := methodOf(ctx.Method())
	path := normalizePath(string(ctx.Path()))

	r.mu.RLock()
	if known {
		if handler, ok := r.staticRoutes[string(ctx.Method())+":"+path]; ok {
			r.mu.RUnlock()
			handler(ctx)
			return
		}
	}

	node, params := r.match(path)
	r.mu.RUnlock()

	if node == nil || node.methodMask == 0 {
		utils.CreateErrorResponse(ctx, fasthttp.StatusNotFound, "route not found")
		return
	}

	if !known || node.methodMask&(1<<methodIdx) == 0 {
		utils.CreateErrorResponse(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}

	for name, value := range params {
		ctx.SetUserValue(name, value)
	}

	node.handlers[methodIdx](ctx)
}

// match prefers static children over the param child at every level.
func (r *Router) match(path string) (*routeNode, map[string]string) {
	var params map[string]string

	node := r.root
	for _, segment := range splitPath(path) {
		if child, ok := node.staticChildren[segment]; ok {
			node = child
			continue
		}

		if node.paramChild == nil {
			return nil, nil
		}

		node = node.paramChild
		if params == nil {
			params = make(map[string]string, 2)
		}
		params[node.paramName] = segment
	}

	return node, params
}

func methodOf(method []byte) (uint8, bool) {
	switch {
	case bytes.Equal(method, getBytes):
		return 0, true
	case bytes.Equal(method, postBytes):
		return 1, true
	case bytes.Equal(method, putBytes):
		return 2, true
	case bytes.Equal(method, deleteBytes):
		return 3, true
	case bytes.Equal(method, patchBytes):
		return 4, true
	default:
		return 0, false
	}
}

func normalizePath(path string) string {
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		return "/"
	}
	return path
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
