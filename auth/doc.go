// Package auth decides whether a handshake may establish a session.
//
// An Authorizer inspects the immutable HandshakeData captured from the
// request and returns a Result: either *Authorized, optionally carrying client
// data that is attached to the new session, or *Unauthorized, which describes
// the exact HTTP response the client receives before the connection is
// closed.
//
// # Bearer tokens
//
// NewBearerAuthorizer adapts an Authenticator into an Authorizer. The token is
// read from the Authorization header ("Bearer <token>") or, for browser
// clients that cannot set headers on the handshake, from the "token" query
// parameter. NewFromDiscovery and NewStatic construct Authenticators that
// validate JWT access tokens against an issuer's JWKS.
//
// Example:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://rt.example",
//	    auth.WithRequiredScopes("rt:connect"),
//	)
//	if err != nil { log.Fatal(err) }
//	srv, err := socketio.New(cfg, socketio.WithAuthorizer(auth.NewBearerAuthorizer(authn)))
//
// # Errors
//
// ErrUnauthorized signals the credentials are invalid. ErrInsufficientScope
// signals successful authentication but missing required scope(s).
// ErrAuthorizedStatus is returned when an Unauthorized result is built with
// status 200.
package auth
