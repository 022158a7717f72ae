package supervisor

import "strings"

// Reserved console tokens intercepted by Handle instead of being forwarded
// to the worker.
const (
	tokenStart   = "start"
	tokenStop    = "stop"
	tokenRestart = "restart"
)

// Handle routes a console command line. The reserved tokens start, stop and
// restart map to the corresponding lifecycle operations; anything else is
// forwarded verbatim to the worker's stdin. Trimming applies only to the
// token comparison, so "stop now" is forwarded untouched, not intercepted.
func (s *Supervisor) Handle(line string) error {
	switch strings.TrimSpace(line) {
	case "":
		return nil
	case tokenStart:
		return s.Start()
	case tokenStop:
		return s.Stop()
	case tokenRestart:
		return s.Restart()
	default:
		return s.Forward(line)
	}
}
