// Package logging wraps zap with context-aware methods.
//
// Every method takes the request context first and appends the request and
// tenant identifiers stored in it:
//
//	ctx = logging.WithRequestID(ctx, requestID)
//	ctx = logging.WithTenantID(ctx, "acme")
//	logger.Info(ctx, "query served", zap.Int("results", n))
//
// Logs are written to stderr. stdout carries the MCP stdio transport.
package logging
