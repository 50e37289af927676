package restapi

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// HTTPVerb enumerates supported HTTP operations.
type HTTPVerb int

const (
	// Unknown represents an unspecified HTTP verb.
	Unknown HTTPVerb = iota
	// GET lists or retrieves resources.
	GET
	// DELETE removes resources.
	DELETE
	// POST creates resources or triggers actions.
	POST
	// PUT replaces resources.
	PUT
	// PATCH partially updates resources.
	PATCH
)

// RestMethod describes a REST route handler.
type RestMethod struct {
	Verb    HTTPVerb
	Path    string
	Handler func(c *gin.Context)
}

// register inserts a RestMethod into the route table preventing duplicates.
func (a *API) register(verb HTTPVerb, path string, h func(c *gin.Context)) error {
	key := fmt.Sprintf("%d_%s", verb, path)
	if _, exists := a.methods[key]; exists {
		return fmt.Errorf("can't add %s, an existing handler in REST method map exists", key)
	}
	a.methods[key] = RestMethod{Verb: verb, Path: path, Handler: h}
	return nil
}

// RestMethods returns all registered RestMethod entries keyed by verb+path.
// Deployments embedding the operator API into their own engine mount these
// directly instead of calling Routes.
func (a *API) RestMethods() map[string]RestMethod {
	return a.methods
}

// mount applies the registered methods onto a gin engine.
func (a *API) mount(r *gin.Engine) {
	for _, m := range a.methods {
		switch m.Verb {
		case GET:
			r.GET(m.Path, m.Handler)
		case POST:
			r.POST(m.Path, m.Handler)
		case DELETE:
			r.DELETE(m.Path, m.Handler)
		case PUT:
			r.PUT(m.Path, m.Handler)
		case PATCH:
			r.PATCH(m.Path, m.Handler)
		}
	}
}
