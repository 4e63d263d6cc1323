package harness

import "github.com/procio/worker-harness-go/internal/wire"

// Transport delivers decoded worker messages and carries outbound
// requests. Implement this to supply a custom transport for testing or
// in-process workers via Options.Transport; the default implementations
// are constructed by the supervisor when it spawns the worker.
type Transport = wire.Transport
