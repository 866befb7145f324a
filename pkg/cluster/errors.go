package cluster

import "errors"

// Inventory failure classes.
var (
	ErrNotFound        = errors.New("cluster: resource not found")
	ErrForbidden       = errors.New("cluster: access denied")
	ErrUnauthenticated = errors.New("cluster: authentication failed")
)
