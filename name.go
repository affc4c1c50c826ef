package reactor

// Name identifies a reactor-owned object (signal, logger, timer handler) for
// logging and tracing correlation, matching the teacher's `type Name = string`
// convention used throughout pipz's connectors.
type Name = string
