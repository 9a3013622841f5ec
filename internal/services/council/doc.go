// Package council groups the deliberation service: HTTP/WebSocket surface,
// dispatch runtime, and persistence wiring.
package council
