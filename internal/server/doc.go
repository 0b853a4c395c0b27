// Package server hosts the Fiber admin service. NewApp wires the recover and
// request-ID middlewares plus a JSON fallback for unknown paths; handlers for
// extensions, entities and diagnostics live in the routes subpackage and are
// attached by the caller. Keep exports narrow and accept explicit dependencies.
package server
