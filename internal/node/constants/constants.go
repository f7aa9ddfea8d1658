package constants

const (
	// Version is reported by the local control API.
	Version = "0.1.0"
)
