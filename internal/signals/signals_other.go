//go:build !linux

package signals

import "context"

// Run blocks until ctx is done; gate signals are only sourced on Linux.
func (s *Source) Run(ctx context.Context) error {
	s.logger.Debug("no gate signal source on this platform")
	<-ctx.Done()
	return nil
}
