package gateway

import "context"

// ModbusLink is the Modbus collaborator the control plane reads sensors
// through and writes cloud-initiated actuation through. Its wire
// implementation (framing, CRC, transport) lives outside this package; see
// internal/modbusio for the default TCP implementation.
type ModbusLink interface {
	// ReadSensor reads the current value at src, typed per kind.
	ReadSensor(ctx context.Context, src ModbusSource, kind ValueKind) (Value, error)

	// WriteSensor writes v to src for cloud-initiated actuation (DATA_UPDT).
	WriteSensor(ctx context.Context, src ModbusSource, kind ValueKind, v Value) error

	// Close releases the link's resources.
	Close() error
}

// MessageKind identifies the variant of an inbound cloud message, per the
// device-identity protocol.
type MessageKind int

const (
	MsgRegister MessageKind = iota
	MsgAuth
	MsgSchema
	MsgUpdate
	MsgRequest
	MsgUnregister
	MsgList
)

// SchemaEntry pairs a sensor id with the schema declared for it, for the
// schema-upload handshake step.
type SchemaEntry struct {
	SensorID int
	Schema   Schema
}

// InboundMessage is one message arriving from the cloud, demultiplexed by
// the ingress router into a control-plane Event.
type InboundMessage struct {
	Kind  MessageKind
	Error bool

	Token   string  // MsgRegister reply
	Sensors []int   // MsgUpdate, MsgRequest
	Values  []Value // MsgUpdate: one value per entry in Sensors, same index
}

// CloudLink is the cloud collaborator: it carries the device-identity
// protocol (registration, authentication, schema declaration, data
// publication, unregistration) over whatever transport backs it. See
// internal/cloudbus for the default Redis pub/sub implementation.
type CloudLink interface {
	// Start begins delivering inbound messages on the returned channel. The
	// channel is closed when the link is closed or ctx is canceled.
	Start(ctx context.Context) (<-chan InboundMessage, error)

	Register(id, name string) error
	Auth(id, token string) error
	PublishSchema(id string, schemas []SchemaEntry) error
	PublishData(id string, sensorID int, kind ValueKind, v Value) error
	Unregister(id string) error

	Close() error
}
