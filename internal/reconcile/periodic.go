package reconcile

import (
	"sync"

	"github.com/robfig/cron/v3"

	"offergate/pkg/logx"
)

// Periodic fires non-forced reconcile requests on a cron schedule
// ("*/5 * * * *", "@every 2m", ...) as a safety net on top of the
// event-driven triggers.
type Periodic struct {
	mu     sync.Mutex
	c      *cron.Cron
	engine *Engine
	log    logx.Logger
}

func NewPeriodic(engine *Engine, log logx.Logger) *Periodic {
	return &Periodic{engine: engine, log: log}
}

// Start parses spec and begins firing. An empty spec disables the
// trigger. Idempotent while running.
func (p *Periodic) Start(spec string) error {
	if spec == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(spec, func() {
		p.log.Debug("periodic reconcile trigger", logx.String("spec", spec))
		p.engine.Request(false)
	}); err != nil {
		return err
	}
	c.Start()
	p.c = c
	p.log.Info("periodic reconcile enabled", logx.String("spec", spec))
	return nil
}

func (p *Periodic) Stop() {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
