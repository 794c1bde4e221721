package manager

import "github.com/rs/zerolog"

// LogPublisher writes every event as one structured debug line.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(l zerolog.Logger) *LogPublisher { return &LogPublisher{log: l} }

func (p *LogPublisher) Publish(e Event) {
	p.log.Debug().Str("event", e.Name).Str("model", e.Model).Fields(e.Fields).Msg("manager_event")
}
