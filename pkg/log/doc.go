/*
Package log provides structured logging for the supervisor using zerolog.

It wraps zerolog with a single global Logger, a small Config for level and
output format, and child-logger helpers (WithComponent, WithSlotID,
WithContainerUID, WithRunID) so call sites can attach context without
threading a logger through every function signature.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	ctl := log.WithComponent("controller")
	ctl.Info().Int("slot_id", 2).Msg("container loaded")
*/
package log
