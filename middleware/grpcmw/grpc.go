// Package grpcmw provides gRPC interceptors that carry the session artifact
// as x-session-id metadata.
//
// Client interceptors attach the artifact from an authsession.TokenSource
// (typically the header attacher of the embedded context) and report
// Unauthenticated responses so the caller can drop its cached identity.
// Server interceptors resolve the artifact to an identity, for services that
// accept the same session as the identity endpoint.
package grpcmw

import (
	"context"
	"strings"

	authsession "github.com/chimerakang/authsession-go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// MetadataKey is the metadata key carrying the session artifact.
const MetadataKey = "x-session-id"

// ClientOption configures client interceptors.
type ClientOption func(*clientConfig)

type clientConfig struct {
	onUnauthenticated func(context.Context)
}

// WithOnUnauthenticated registers fn to run when a call fails with
// codes.Unauthenticated, e.g. Provider.Expire.
func WithOnUnauthenticated(fn func(context.Context)) ClientOption {
	return func(cfg *clientConfig) { cfg.onUnauthenticated = fn }
}

// UnaryClientSession returns a unary client interceptor that attaches the
// session artifact, if any.
func UnaryClientSession(src authsession.TokenSource, opts ...ClientOption) grpc.UnaryClientInterceptor {
	cfg := newClientConfig(opts)
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		err := invoker(attach(ctx, src), method, req, reply, cc, callOpts...)
		cfg.observe(ctx, err)
		return err
	}
}

// StreamClientSession returns a stream client interceptor that attaches the
// session artifact, if any.
func StreamClientSession(src authsession.TokenSource, opts ...ClientOption) grpc.StreamClientInterceptor {
	cfg := newClientConfig(opts)
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		cs, err := streamer(attach(ctx, src), desc, cc, method, callOpts...)
		cfg.observe(ctx, err)
		return cs, err
	}
}

func newClientConfig(opts []ClientOption) *clientConfig {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

func (cfg *clientConfig) observe(ctx context.Context, err error) {
	if err != nil && cfg.onUnauthenticated != nil && status.Code(err) == codes.Unauthenticated {
		cfg.onUnauthenticated(ctx)
	}
}

func attach(ctx context.Context, src authsession.TokenSource) context.Context {
	if src == nil {
		return ctx
	}
	token, ok := src.Token()
	if !ok || token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, MetadataKey, token)
}

// Resolver maps a session artifact to an identity. A nil identity with a nil
// error means the session is unknown.
type Resolver func(ctx context.Context, artifact string) (*authsession.Identity, error)

// ServerOption configures server interceptors.
type ServerOption func(*serverConfig)

type serverConfig struct {
	excludedMethods map[string]bool
}

// WithExcludedMethods sets gRPC methods that skip session resolution.
// Methods should be fully qualified (e.g. "/package.Service/Method").
func WithExcludedMethods(methods ...string) ServerOption {
	return func(cfg *serverConfig) {
		for _, m := range methods {
			cfg.excludedMethods[m] = true
		}
	}
}

// UnaryServerSession returns a unary server interceptor that resolves
// x-session-id and stores the identity via authsession.WithIdentity.
func UnaryServerSession(resolve Resolver, opts ...ServerOption) grpc.UnaryServerInterceptor {
	cfg := newServerConfig(opts)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		ctx, err := authenticate(ctx, resolve)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerSession is UnaryServerSession for streams.
func StreamServerSession(resolve Resolver, opts ...ServerOption) grpc.StreamServerInterceptor {
	cfg := newServerConfig(opts)
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(srv, ss)
		}

		ctx, err := authenticate(ss.Context(), resolve)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

func newServerConfig(opts []ServerOption) *serverConfig {
	cfg := &serverConfig{excludedMethods: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// --- internal helpers ---

func authenticate(ctx context.Context, resolve Resolver) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}

	artifact := artifactFromMD(md)
	if artifact == "" {
		return ctx, status.Error(codes.Unauthenticated, "missing session")
	}

	id, err := resolve(ctx, artifact)
	if err != nil {
		return ctx, status.Error(codes.Unavailable, "session lookup failed")
	}
	if id == nil {
		return ctx, status.Error(codes.Unauthenticated, "unknown session")
	}
	return authsession.WithIdentity(ctx, id), nil
}

func artifactFromMD(md metadata.MD) string {
	vals := md.Get(MetadataKey)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

// wrappedStream wraps grpc.ServerStream to override Context().
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
