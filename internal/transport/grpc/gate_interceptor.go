package grpc

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/FlooooowY/SteelMount-Human-Gate/internal/gate"
	"github.com/FlooooowY/SteelMount-Human-Gate/internal/recaptcha"
)

// TokenMetadataKey is the incoming metadata key carrying the client token.
const TokenMetadataKey = "retoken"

// GateInterceptor puts the access gate in front of gRPC handlers
type GateInterceptor struct {
	gate     *gate.Gate
	exempt   map[string]struct{}
	recorder gate.DecisionRecorder
	log      *logrus.Entry
}

// NewGateInterceptor creates a new gate interceptor. Methods listed in exempt
// (full method names) skip the check.
func NewGateInterceptor(g *gate.Gate, exempt []string, recorder gate.DecisionRecorder, log *logrus.Entry) *GateInterceptor {
	set := make(map[string]struct{}, len(exempt))
	for _, m := range exempt {
		set[m] = struct{}{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &GateInterceptor{
		gate:     g,
		exempt:   set,
		recorder: recorder,
		log:      log,
	}
}

// UnaryInterceptor creates a unary interceptor for gate checks
func (gi *GateInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := gi.authorize(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor creates a stream interceptor for gate checks
func (gi *GateInterceptor) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := gi.authorize(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (gi *GateInterceptor) authorize(ctx context.Context, method string) error {
	if _, ok := gi.exempt[method]; ok {
		return nil
	}

	allowed, decision, err := gi.gate.Evaluate(ctx, extractFromMetadata(ctx))
	if gi.recorder != nil {
		gi.recorder.RecordDecision("grpc", string(decision))
	}

	log := gi.log.WithField("method", method)
	if err != nil {
		log.WithError(err).Error("Access check failed")
		if errors.Is(err, recaptcha.ErrTransport) || errors.Is(err, recaptcha.ErrMalformedResponse) {
			return status.Error(codes.Unavailable, "human verification is unavailable")
		}
		return status.Error(codes.Internal, "access check failed")
	}
	if !allowed {
		log.WithField("decision", decision).Info("Access denied")
		return status.Error(codes.PermissionDenied, "human verification failed")
	}
	return nil
}

// extractFromMetadata treats the token key as the whole request body: no key
// means there is nothing to verify.
func extractFromMetadata(ctx context.Context) gate.Extraction {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return gate.Extraction{Status: gate.BodyEmpty}
	}
	values := md.Get(TokenMetadataKey)
	if len(values) == 0 {
		return gate.Extraction{Status: gate.BodyEmpty}
	}
	return gate.Extraction{Status: gate.BodyParsed, Token: values[0], Present: true}
}
