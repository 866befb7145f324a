package balancer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/morezero/edge-cluster-frontend/pkg/cluster"
)

const resolveLogPrefix = "balancer:resolve"

// Defaults for worker endpoints.
const (
	DefaultScheme = "http"
	DefaultPort   = 8000
)

// Target is a resolved dispatch destination.
type Target struct {
	VM       int
	Address  string
	Endpoint string
}

// ResolveOptions configures endpoint construction.
type ResolveOptions struct {
	Scheme string
	Port   int
}

// Resolve walks ranked in order and returns the first worker exposing a
// usable address. Workers whose template cannot be read, or that have no NIC
// or no address, are skipped.
func Resolve(ctx context.Context, templates cluster.Templates, ranked []Ranked, opts ResolveOptions) (*Target, error) {
	scheme := opts.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}

	for _, r := range ranked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vm, err := templates.VMTemplate(ctx, r.ID)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - VM %d template unavailable: %v", resolveLogPrefix, r.ID, err))
			continue
		}
		addr, ok := firstAddress(vm)
		if !ok {
			slog.Warn(fmt.Sprintf("%s - VM %d exposes no usable NIC address, trying next", resolveLogPrefix, r.ID))
			continue
		}
		endpoint := Endpoint(scheme, addr, port)
		slog.Info(fmt.Sprintf("%s - Selected VM %d (%.1f%% CPU) at %s", resolveLogPrefix, r.ID, r.CPU, endpoint))
		return &Target{VM: r.ID, Address: addr, Endpoint: endpoint}, nil
	}
	return nil, fmt.Errorf("%w: no ranked worker has a reachable address", ErrNoCapacity)
}

// Endpoint builds scheme://address:port, bracketing IPv6 addresses.
func Endpoint(scheme, addr string, port int) string {
	return scheme + "://" + net.JoinHostPort(addr, strconv.Itoa(port))
}

func firstAddress(vm *cluster.VM) (string, bool) {
	if vm == nil {
		return "", false
	}
	for _, nic := range vm.NICs {
		if addr, _ := nic.Address(); addr != "" {
			return addr, true
		}
	}
	return "", false
}
