// Package factory creates the router selected by router_type.
package factory

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/nimburion/coordination/pkg/config"
	"github.com/nimburion/coordination/pkg/server/router"
	ginadapter "github.com/nimburion/coordination/pkg/server/router/gin"
	nethttpadapter "github.com/nimburion/coordination/pkg/server/router/nethttp"
)

var constructors = map[string]func() router.Router{
	config.RouterNetHTTP: func() router.Router { return nethttpadapter.NewRouter() },
	config.RouterGin:     func() router.Router { return ginadapter.NewRouter() },
}

// NewRouter returns a fresh router of routerType, matched case-insensitively.
// Both the public and the management server get their own instance.
func NewRouter(routerType string) (router.Router, error) {
	name := strings.ToLower(strings.TrimSpace(routerType))
	if name == "" {
		name = config.RouterNetHTTP
	}
	create, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("router type %q is not one of %s", routerType, strings.Join(SupportedTypes(), ", "))
	}
	return create(), nil
}

// SupportedTypes lists the accepted router_type values in sorted order.
func SupportedTypes() []string {
	return slices.Sorted(maps.Keys(constructors))
}
