package migrate

import "errors"

// ErrClusterKeyChanged is the universal cancellation signal (spec.md §5):
// any loop that observes the current cluster key no longer matches the
// emigration's or immigration's snapshot aborts with this error.
var ErrClusterKeyChanged = errors.New("migrate: cluster key changed mid-flight")

// ErrTransportFatal wraps a non-transient fabric send result (NO_PEER or
// ERR), treated the same as a cluster-key change: abort and report error.
var ErrTransportFatal = errors.New("migrate: fabric transport reported a fatal send result")
