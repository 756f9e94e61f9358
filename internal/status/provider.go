package status

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Provider supplies the local digest on demand. Implementations should
// honor the context deadline; the session calls this once per exchange.
type Provider interface {
	Digest(ctx context.Context) (Digest, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (Digest, error)

func (f ProviderFunc) Digest(ctx context.Context) (Digest, error) { return f(ctx) }

// NewProvider builds a Provider from a config spec:
//
//	file:<path>   read the digest from a file (40 hex chars or 20 raw bytes)
//	static:<hex>  fixed digest, 40 hex chars
//	random        fresh random digest per exchange
func NewProvider(spec string) (Provider, error) {
	switch {
	case spec == "random":
		return ProviderFunc(randomDigest), nil
	case strings.HasPrefix(spec, "static:"):
		d, err := ParseDigest(strings.TrimPrefix(spec, "static:"))
		if err != nil {
			return nil, fmt.Errorf("static provider: %w", err)
		}
		return ProviderFunc(func(context.Context) (Digest, error) {
			return d, nil
		}), nil
	case strings.HasPrefix(spec, "file:"):
		path := strings.TrimPrefix(spec, "file:")
		if path == "" {
			return nil, fmt.Errorf("file provider: empty path")
		}
		return &fileProvider{path: path}, nil
	default:
		return nil, fmt.Errorf("unknown digest provider %q", spec)
	}
}

// ParseDigest decodes a 40-character hex string into a Digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return d, fmt.Errorf("decoding digest hex: %w", err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("digest is %d bytes, want %d", len(raw), DigestSize)
	}
	copy(d[:], raw)
	return d, nil
}

func randomDigest(context.Context) (Digest, error) {
	var d Digest
	if _, err := rand.Read(d[:]); err != nil {
		return d, fmt.Errorf("generating random digest: %w", err)
	}
	return d, nil
}

// fileProvider reads the digest from a file on every call, so an external
// process can update the state fingerprint in place.
type fileProvider struct {
	path string
}

func (p *fileProvider) Digest(ctx context.Context) (Digest, error) {
	var d Digest
	if err := ctx.Err(); err != nil {
		return d, err
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return d, fmt.Errorf("reading digest file: %w", err)
	}
	if len(data) == DigestSize {
		copy(d[:], data)
		return d, nil
	}
	return ParseDigest(string(data))
}
