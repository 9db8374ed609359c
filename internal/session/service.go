package session

import "context"

// Service adapts Runtime to the router's prototype-scoped MessageService
// contract: Init binds the session the router just built, Process runs the
// command to completion.
type Service struct {
	cfg  Config
	deps Deps
	rt   *Runtime
}

// NewService constructs a Service factory target. cfg and deps are shared
// across every invocation; only the session itself is per-call.
func NewService(cfg Config, deps Deps) *Service {
	return &Service{cfg: cfg, deps: deps}
}

// Init binds sess to a fresh Runtime.
func (s *Service) Init(sess CommandSession) {
	s.rt = New(sess, s.cfg, s.deps)
}

// Process runs the bound session to completion.
func (s *Service) Process(ctx context.Context) error {
	return s.rt.Run(ctx)
}
