// Package logging provides structured logging for oxyrun dev sessions.
//
// It wraps log/slog to emit JSON lines, either to stderr or to a
// size-rotated dev.log inside the project's log directory. Child loggers
// carry persistent attributes so that every line of a build cycle or a
// sandbox worker can be filtered after the fact.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(".oxyrun", "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	cycleLog := logger.WithComponent("pipeline").WithCycle(4)
//	cycleLog.Info("client build finished", "duration_ms", 812)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"client build finished","component":"pipeline","cycle":4,"duration_ms":812}
//
// # Testing
//
// [NopLogger] discards everything. [NewWriterLogger] writes into any
// io.Writer, which tests use with a bytes.Buffer to assert on output.
package logging
