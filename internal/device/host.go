package device

// Host is an externally owned representation of the registry's devices,
// such as a HomeKit bridge or an MQTT discovery topic tree. The registry
// holds only a name-keyed back-reference; hosts never own records.
//
// Register and Unregister are called exactly once per create and delete.
// PushInfo and SetReachable are called during state refresh.
type Host interface {
	Register(rec Record) error
	Unregister(name string) error
	PushInfo(name, manufacturer, model, serial string) error
	SetReachable(name string, reachable bool) error
}
