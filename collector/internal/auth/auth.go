package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Checker validates an API key presented by an agent.
type Checker struct {
	header string
	key    string
	// Public lists HTTP paths served without a key.
	public map[string]bool
}

// New returns a Checker. Auth is disabled unless mode is "apikey" and key is
// non-empty. header should be lowercase; gRPC normalises metadata keys.
func New(mode, header, key string, public ...string) *Checker {
	c := &Checker{header: header, public: make(map[string]bool, len(public))}
	if mode == "apikey" {
		c.key = key
	}
	for _, p := range public {
		c.public[p] = true
	}
	return c
}

// Enabled reports whether requests must carry a key.
func (c *Checker) Enabled() bool { return c.key != "" }

func (c *Checker) valid(got string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.key)) == 1
}

// Middleware rejects HTTP requests without the expected key.
func (c *Checker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Enabled() || c.public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if !c.valid(r.Header.Get(c.header)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"}) //nolint:errcheck
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Checker) authorize(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get(c.header)
	if len(vals) == 0 || !c.valid(vals[0]) {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}

// UnaryInterceptor enforces the key on unary calls such as Health/Check.
func (c *Checker) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if err := c.authorize(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor enforces the key on streaming calls such as Health/Watch.
func (c *Checker) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := c.authorize(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
