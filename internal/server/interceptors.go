package server

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"ClearLedger/internal/auth"
	"ClearLedger/internal/errs"
	"ClearLedger/internal/observability"
)

const (
	// CallerMetadataKey carries the caller id on gRPC calls.
	CallerMetadataKey = "x-caller-id"
	// CallerHeader carries the caller id on HTTP requests.
	CallerHeader = "X-Caller-Id"
	// ErrorCodeTrailer carries the stable error code of a failed call.
	ErrorCodeTrailer = "x-error-code"
)

type callerKey struct{}

// CallerFrom returns the authenticated caller id stored by the interceptor.
func CallerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}

func withCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// observe records request metrics and turns domain errors into gRPC
// statuses. It runs first so rejected calls are counted too.
func observe(metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		endpoint := path.Base(info.FullMethod)
		start := time.Now()

		resp, err := handler(ctx, req)

		code := codes.OK
		if err != nil {
			st, errCode := toStatus(err)
			if st.Code() == codes.Internal {
				logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
			}
			code, err = st.Code(), st.Err()
			_ = grpc.SetTrailer(ctx, metadata.Pairs(ErrorCodeTrailer, errCode))
			if metrics != nil {
				metrics.QueryErrors.WithLabelValues(endpoint, errCode).Inc()
			}
		}
		if metrics != nil {
			metrics.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
			metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

// authenticate resolves the caller from x-caller-id. The in-process
// namespace is never accepted from the wire.
func authenticate() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var caller string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(CallerMetadataKey); len(vals) > 0 {
				caller = vals[0]
			}
		}
		if caller == "" {
			return nil, status.Error(codes.Unauthenticated, CallerMetadataKey+" is required")
		}
		if auth.IsReserved(caller) {
			return nil, status.Errorf(codes.PermissionDenied, "caller %q is reserved", caller)
		}
		return handler(withCaller(ctx, caller), req)
	}
}

// limit applies the per-caller rate limit.
func limit(limiter *CallerLimiter, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if limiter != nil && !limiter.Allow(CallerFrom(ctx)) {
			if metrics != nil {
				metrics.APIRateLimited.Inc()
			}
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

// toStatus maps an error onto a gRPC status and the stable error code sent
// in the x-error-code trailer. Internal errors keep their detail out of the
// reply.
func toStatus(err error) (*status.Status, string) {
	if st, ok := status.FromError(err); ok {
		return st, st.Code().String()
	}

	code := statusCode(err)
	errCode := errs.CodeOf(err)
	switch code {
	case codes.Internal:
		return status.New(code, "internal error"), errCode
	case codes.Canceled, codes.DeadlineExceeded:
		errCode = code.String()
	}
	return status.New(code, err.Error()), errCode
}

func statusCode(err error) codes.Code {
	switch {
	case errors.Is(err, errs.ErrDuplicateOperation):
		return codes.AlreadyExists
	case errors.Is(err, errs.ErrUnknownAccount),
		errors.Is(err, errs.ErrUnknownVenue),
		errors.Is(err, errs.ErrUnknownResolution):
		return codes.NotFound
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}

	switch errs.KindOf(err) {
	case errs.KindValidation:
		return codes.InvalidArgument
	case errs.KindAuthorization:
		return codes.PermissionDenied
	case errs.KindState:
		return codes.FailedPrecondition
	}
	return codes.Internal
}
