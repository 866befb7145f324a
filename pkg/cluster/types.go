// Package cluster models the edge-cluster inventory read by the dispatcher:
// function and requirement documents, serverless runtime services and worker VMs.
package cluster

import (
	"context"
	"fmt"
)

// DocumentType discriminates inventory documents.
type DocumentType int

const (
	DocumentAppRequirement DocumentType = 1338
	DocumentFunction       DocumentType = 1339
)

func (t DocumentType) String() string {
	switch t {
	case DocumentAppRequirement:
		return "APP_REQUIREMENT"
	case DocumentFunction:
		return "FUNCTION"
	default:
		return fmt.Sprintf("DOCUMENT(%d)", int(t))
	}
}

// VMStateRunning is the inventory state code of a running VM.
const VMStateRunning = 3

// Document is a raw inventory document. Template keys arrive upper-cased.
type Document struct {
	ID       int
	Type     DocumentType
	Owner    string
	Template map[string]interface{}
}

// Function is the function descriptor forwarded to a worker.
type Function struct {
	ID     int
	Lang   string
	FC     string
	FCHash string
	// Attributes holds every template attribute with lower-cased keys.
	Attributes map[string]interface{}
}

// Requirement is an application execution requirement.
type Requirement struct {
	ID      int
	Flavour string
	// RuntimeVersion is an optional semver constraint on the serving runtime.
	RuntimeVersion string
	Attributes     map[string]interface{}
}

// Credentials authenticate a per-call inventory session.
type Credentials struct {
	User     string
	Password string
}

// Service is an active worker group serving one flavour.
type Service struct {
	ID             int
	Name           string
	Flavour        string
	State          string
	RuntimeVersion string
	// Nodes are the VM ids of the service roles.
	Nodes []int
}

// NIC is a worker network interface.
type NIC struct {
	IP        string
	IP6       string
	IP6Global string
	IP6ULA    string
}

// VM is the network template of a worker instance.
type VM struct {
	ID   int
	Name string
	NICs []NIC
}

// Session is an inventory session opened with the caller's credentials.
type Session interface {
	Function(ctx context.Context, id int) (*Function, error)
	Requirement(ctx context.Context, id int) (*Requirement, error)
	// RunningVMs lists worker VMs running in the caller's scope.
	RunningVMs(ctx context.Context) ([]int, error)
}

// SessionOpener opens per-call inventory sessions.
type SessionOpener interface {
	Open(ctx context.Context, creds Credentials) (Session, error)
}

// Directory resolves the services serving a flavour.
type Directory interface {
	ActiveServices(ctx context.Context, flavour string) ([]Service, error)
}

// Monitor returns the latest CPU sample per monitored VM.
type Monitor interface {
	CPUSamples(ctx context.Context) (map[int]float64, error)
}

// Templates fetches the current network template of a VM.
type Templates interface {
	VMTemplate(ctx context.Context, id int) (*VM, error)
}

// ServiceStateRunning is the state of a service whose roles are deployed.
const ServiceStateRunning = "RUNNING"
