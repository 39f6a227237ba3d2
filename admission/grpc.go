package admission

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/Shexroz002/rate-limit/limiter"
)

const (
	// MetadataUserID is the incoming metadata key carrying the caller identity.
	MetadataUserID = "x-user-id"
	// MetadataRetryAfter is the response header set on rejected calls.
	MetadataRetryAfter = "retry-after"
)

// UnaryServerInterceptor checks every unary call. The full method name is the path and
// every call counts as POST.
func (a *Admitter) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if a.skipped(info.FullMethod) {
			return handler(ctx, req)
		}

		decision := a.Admit(ctx, descriptorFromContext(ctx, info.FullMethod))
		if !decision.Allowed {
			if err := grpc.SetHeader(ctx, retryAfterHeader(decision)); err != nil {
				log.Debug().Err(err).Str("method", info.FullMethod).Msg("failed to set retry-after header")
			}
			return nil, status.Error(codes.ResourceExhausted, RejectMessage)
		}
		return handler(NewContext(ctx, decision), req)
	}
}

// StreamServerInterceptor checks every stream when it is opened.
func (a *Admitter) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if a.skipped(info.FullMethod) {
			return handler(srv, ss)
		}

		ctx := ss.Context()
		decision := a.Admit(ctx, descriptorFromContext(ctx, info.FullMethod))
		if !decision.Allowed {
			if err := ss.SetHeader(retryAfterHeader(decision)); err != nil {
				log.Debug().Err(err).Str("method", info.FullMethod).Msg("failed to set retry-after header")
			}
			return status.Error(codes.ResourceExhausted, RejectMessage)
		}
		return handler(srv, &admittedStream{ServerStream: ss, ctx: NewContext(ctx, decision)})
	}
}

func descriptorFromContext(ctx context.Context, fullMethod string) limiter.RequestDescriptor {
	req := limiter.RequestDescriptor{Path: fullMethod, Method: http.MethodPost}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		req.ClientIP = hostOnly(p.Addr.String())
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(MetadataUserID); len(ids) > 0 {
			req.UserID = strings.TrimSpace(ids[0])
		}
	}
	return req
}

func retryAfterHeader(d limiter.Decision) metadata.MD {
	return metadata.Pairs(MetadataRetryAfter, strconv.FormatInt(d.RetryAfter, 10))
}

// admittedStream exposes the decision through Context.
type admittedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *admittedStream) Context() context.Context {
	return s.ctx
}
