// Package shutdown tears a gateway down in ordered phases.
//
//	seq := shutdown.New(shutdown.Config{Timeout: 10 * time.Second, Logger: log})
//	seq.Register("sessions", shutdown.PhaseSessions, gw.Shutdown)
//	seq.Register("http", shutdown.PhaseListeners, srv.Shutdown)
//	seq.Register("tracing", shutdown.PhaseTelemetry, provider.Shutdown)
//
//	<-ctx.Done() // signal.NotifyContext
//	err := seq.Run()
//
// Lower phases run first. Steps in the same phase run concurrently and the
// next phase starts only when all of them have returned.
package shutdown
