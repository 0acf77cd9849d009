package utils

import (
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const cloudflare524Error = "524"
const grpcHTTPFallbackError = "unexpected HTTP status code received from server"

// ShouldReconnect classifies a subscription stream error: whether the watcher
// should schedule a reconnect at all, and the minimum delay before the first
// attempt. Backoff growth on repeated failures is owned by the watcher.
func ShouldReconnect(err error) (bool, time.Duration) {
	if err == nil {
		// A clean stream end is treated like a drop: the server closed the
		// subscription and we want it back. No mandated delay, the watcher's
		// backoff alone decides.
		return true, 0
	}

	// During indexer restart windows, gRPC calls may briefly hit the HTTP
	// gateway on the same port and get a plain HTTP response back.
	if strings.Contains(err.Error(), grpcHTTPFallbackError) {
		return true, time.Second
	}

	st, ok := status.FromError(err)
	if !ok {
		if strings.Contains(err.Error(), cloudflare524Error) {
			return true, 5 * time.Second
		}
		return true, time.Second
	}

	switch st.Code() {
	case codes.Unknown:
		if strings.Contains(st.Message(), cloudflare524Error) {
			return true, 5 * time.Second
		}
		return false, 0
	case codes.ResourceExhausted:
		return true, 5 * time.Second
	case codes.Unavailable, codes.Internal, codes.DeadlineExceeded, codes.Aborted:
		return true, time.Second
	case codes.FailedPrecondition:
		// The indexer may return this while still syncing after a restart.
		return true, 5 * time.Second
	case codes.Canceled,
		codes.InvalidArgument,
		codes.PermissionDenied,
		codes.Unauthenticated,
		codes.Unimplemented:
		return false, 0
	default:
		return false, 0
	}
}
