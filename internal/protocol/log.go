package protocol

import "github.com/roasbeef/mailsync/internal/build"

// Subsystem is the logging tag for this package.
const Subsystem = "PROT"

// log is the package-level logger, wired through the shared handler set.
var log = build.NewSubLogger(Subsystem)
