package slidewise

import "log/slog"

// nopLogger discards all output. Components default to it when no logger is
// configured via options.
var nopLogger = slog.New(slog.DiscardHandler)
