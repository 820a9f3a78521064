package emitter

import (
	"context"
	"log/slog"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/dispatch"
)

// Pump drains one dispatcher subscription and publishes a summary per
// delivered frame. Latest-wins delivery means a slow broker thins the
// summary stream instead of backing up the pipeline.
type Pump struct {
	session string
	sub     *dispatch.Subscriber
	em      Emitter
	cancel  context.CancelFunc
	done    chan struct{}
}

// StartPump launches the drain goroutine. Stop it with Stop; it also
// ends when the subscription closes.
func StartPump(session string, sub *dispatch.Subscriber, em Emitter) *Pump {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pump{
		session: session,
		sub:     sub,
		em:      em,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *Pump) run(ctx context.Context) {
	defer close(p.done)
	slog.Debug("emitter: pump started", "session", p.session, "subscriber", p.sub.Name())
	for {
		af, err := p.sub.Next(ctx)
		if err != nil {
			slog.Debug("emitter: pump stopped", "session", p.session, "reason", err)
			return
		}
		if perr := p.em.Publish(Summarize(p.session, af)); perr != nil {
			slog.Debug("emitter: summary dropped",
				"session", p.session, "seq", af.Frame.Seq, "error", perr)
		}
	}
}

// Stop ends the pump and waits for the goroutine to exit.
func (p *Pump) Stop() {
	p.cancel()
	<-p.done
}
