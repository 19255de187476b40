package constants

// DispatchMode selects the persist/broadcast ordering of the ingestion
// dispatcher.
type DispatchMode string

const (
	// DispatchStoreThenBroadcast broadcasts only after the telemetry record
	// has been written to tenant storage; a storage failure drops the message
	// for the live view too.
	DispatchStoreThenBroadcast DispatchMode = "store_then_broadcast"

	// DispatchBroadcastIndependent fans the event out regardless of the
	// storage outcome; persistence is best-effort and never blocks the live
	// path.
	DispatchBroadcastIndependent DispatchMode = "broadcast_independent"
)

// ParseDispatchMode maps a config string to a DispatchMode, falling back to
// DispatchBroadcastIndependent for empty or unrecognized values.
func ParseDispatchMode(s string) DispatchMode {
	if DispatchMode(s) == DispatchStoreThenBroadcast {
		return DispatchStoreThenBroadcast
	}
	return DispatchBroadcastIndependent
}
