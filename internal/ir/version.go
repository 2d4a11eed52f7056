package ir

// Version constants for the wire formats and the engine.
const (
	// PayloadVersion is the mutation payload schema version.
	PayloadVersion = "1"

	// EngineVersion is the graphsync engine version.
	EngineVersion = "0.1.0"
)
