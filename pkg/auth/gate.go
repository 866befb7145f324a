package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/biscuit-auth/biscuit-go/v2"
	"github.com/biscuit-auth/biscuit-go/v2/parser"

	"github.com/morezero/edge-cluster-frontend/pkg/metrics"
)

const gateLogPrefix = "auth:gate"

var (
	// Both facts must be present in the token for it to be allowed.
	allowPolicy = mustPolicy(`allow if user($u), password($p)`)
	// identityRule extracts the credentials carried by the authority block.
	identityRule = mustRule(`identity($u, $p) <- user($u), password($p)`)
)

// Identity holds the credentials embedded in a verified token.
type Identity struct {
	User     string
	Password string
}

// Gate authorizes capability tokens against the cached verification key.
type Gate struct {
	cell          *KeyCell
	source        KeyFetcher
	now           func() time.Time
	trustRootLost func(error)
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock overrides the clock used for the time fact.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithTrustRootLostHandler overrides the reaction to a failed key reload.
// The default logs and terminates the process.
func WithTrustRootLostHandler(fn func(error)) GateOption {
	return func(g *Gate) { g.trustRootLost = fn }
}

// NewGate creates a Gate reading keys from cell and reloading them from source.
func NewGate(cell *KeyCell, source KeyFetcher, opts ...GateOption) *Gate {
	g := &Gate{
		cell:          cell,
		source:        source,
		now:           func() time.Time { return time.Now().UTC() },
		trustRootLost: exitOnTrustRootLost,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func exitOnTrustRootLost(err error) {
	slog.Error(fmt.Sprintf("%s - refusing to serve with an unverifiable trust root: %v", gateLogPrefix, err))
	os.Exit(1)
}

// LoadKey fetches the verification key and stores it in the cell.
func (g *Gate) LoadKey(ctx context.Context) error {
	key, err := g.source.FetchKey(ctx)
	if err != nil {
		metrics.RecordKeyReload(false)
		return fmt.Errorf("%w: %v", ErrTrustRootUnavailable, err)
	}
	version := g.cell.Store(key)
	metrics.RecordKeyReload(true)
	slog.Info(fmt.Sprintf("%s - Verification key v%d loaded", gateLogPrefix, version))
	return nil
}

// KeyVersion counts the keys loaded so far; 0 means none.
func (g *Gate) KeyVersion() int {
	_, version := g.cell.Load()
	return version
}

// Authorize verifies token and returns the identity it carries.
func (g *Gate) Authorize(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrMissingToken)
	}
	return g.verifyOrReloadOnce(ctx, token)
}

// verifyOrReloadOnce verifies token with the cached key. On failure the key is
// assumed rotated: it is reloaded once and verification is attempted once more.
// The second phase never reloads again.
func (g *Gate) verifyOrReloadOnce(ctx context.Context, token string) (*Identity, error) {
	b, err := decodeToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	key, version := g.cell.Load()
	id, err := g.verify(b, key)
	if err == nil {
		return id, nil
	}
	slog.Info(fmt.Sprintf("%s - token rejected by key v%d (%v), reloading verification key", gateLogPrefix, version, err))

	if err := g.LoadKey(ctx); err != nil {
		g.trustRootLost(err)
		return nil, err
	}

	key, _ = g.cell.Load()
	id, err = g.verify(b, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return id, nil
}

func (g *Gate) verify(b *biscuit.Biscuit, key ed25519.PublicKey) (*Identity, error) {
	if len(key) == 0 {
		return nil, errors.New("no verification key loaded")
	}
	authorizer, err := b.Authorizer(key)
	if err != nil {
		return nil, err
	}
	authorizer.AddFact(biscuit.Fact{Predicate: biscuit.Predicate{
		Name: "time",
		IDs:  []biscuit.Term{biscuit.Date(g.now())},
	}})
	authorizer.AddPolicy(allowPolicy)
	if err := authorizer.Authorize(); err != nil {
		return nil, err
	}

	facts, err := authorizer.Query(identityRule)
	if err != nil {
		return nil, err
	}
	return identityFromFacts(facts)
}

func identityFromFacts(facts biscuit.FactSet) (*Identity, error) {
	if len(facts) == 0 {
		return nil, errors.New("token carries no identity")
	}
	ids := facts[0].Predicate.IDs
	if len(ids) != 2 {
		return nil, fmt.Errorf("identity fact has %d terms, want 2", len(ids))
	}
	user, ok := ids[0].(biscuit.String)
	if !ok {
		return nil, errors.New("user fact is not a string")
	}
	password, ok := ids[1].(biscuit.String)
	if !ok {
		return nil, errors.New("password fact is not a string")
	}
	return &Identity{User: string(user), Password: string(password)}, nil
}

func decodeToken(token string) (*biscuit.Biscuit, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(token)
	}
	if err != nil {
		return nil, fmt.Errorf("token is not base64url: %w", err)
	}
	b, err := biscuit.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("token is not a biscuit: %w", err)
	}
	return b, nil
}

func mustPolicy(src string) biscuit.Policy {
	p, err := parser.FromStringPolicy(src)
	if err != nil {
		panic(fmt.Sprintf("%s - invalid policy %q: %v", gateLogPrefix, src, err))
	}
	return p
}

func mustRule(src string) biscuit.Rule {
	r, err := parser.FromStringRule(src)
	if err != nil {
		panic(fmt.Sprintf("%s - invalid rule %q: %v", gateLogPrefix, src, err))
	}
	return r
}
