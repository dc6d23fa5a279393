// Package cloudbus implements the gateway's cloud collaborator as a Redis
// pub/sub transport: one device talks to the cloud over a pair of channels,
// knot:<id>:in for inbound commands and knot:<id>:out for outbound
// register/auth/schema/data messages, carrying JSON envelopes.
package cloudbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agms-cesar/knot-virtualthing/internal/gateway"
)

// envelope is the wire format for every message exchanged over the bus.
type envelope struct {
	Kind    string          `json:"kind"`
	Run     string          `json:"run,omitempty"`
	Error   bool            `json:"error,omitempty"`
	Token   string          `json:"token,omitempty"`
	Name    string          `json:"name,omitempty"`
	Sensors []int           `json:"sensors,omitempty"`
	Values  []envelopeValue `json:"values,omitempty"`
	Schemas []schemaWire    `json:"schemas,omitempty"`
}

type envelopeValue struct {
	Kind string  `json:"kind"`
	Int  int64   `json:"int,omitempty"`
	F    float64 `json:"float,omitempty"`
	B    bool    `json:"bool,omitempty"`
	S    string  `json:"string,omitempty"`
}

type schemaWire struct {
	SensorID int    `json:"sensor_id"`
	Kind     string `json:"value_kind"`
	Unit     string `json:"unit"`
	Name     string `json:"name"`
}

func valueToWire(v gateway.Value) envelopeValue {
	w := envelopeValue{Kind: v.Kind.String()}
	switch v.Kind {
	case gateway.KindInt:
		w.Int = v.Int
	case gateway.KindFloat:
		w.F = v.F
	case gateway.KindBool:
		w.B = v.B
	case gateway.KindString:
		w.S = v.S
	}
	return w
}

func wireToValue(w envelopeValue) gateway.Value {
	switch w.Kind {
	case "int":
		return gateway.Value{Kind: gateway.KindInt, Int: w.Int}
	case "float":
		return gateway.Value{Kind: gateway.KindFloat, F: w.F}
	case "bool":
		return gateway.Value{Kind: gateway.KindBool, B: w.B}
	default:
		return gateway.Value{Kind: gateway.KindString, S: w.S}
	}
}

func kindToWire(kind string) (gateway.MessageKind, error) {
	switch kind {
	case "register":
		return gateway.MsgRegister, nil
	case "auth":
		return gateway.MsgAuth, nil
	case "schema":
		return gateway.MsgSchema, nil
	case "update":
		return gateway.MsgUpdate, nil
	case "request":
		return gateway.MsgRequest, nil
	case "unregister":
		return gateway.MsgUnregister, nil
	case "list":
		return gateway.MsgList, nil
	default:
		return 0, fmt.Errorf("cloudbus: unknown message kind %q", kind)
	}
}

// Link is a Redis pub/sub implementation of gateway.CloudLink.
type Link struct {
	client   *redis.Client
	deviceID string
	runID    string
	log      *logrus.Entry

	sub *redis.PubSub
}

var _ gateway.CloudLink = (*Link)(nil)

// Config configures a Link.
type Config struct {
	Addr     string
	Password string
	DB       int
	DeviceID string
	Log      *logrus.Entry
}

// New creates a Link. The device id names the channel pair; it may be left
// empty here and set later with SetDeviceID, but Start refuses to run
// without one.
func New(cfg Config) *Link {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Link{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		deviceID: cfg.DeviceID,
		runID:    uuid.New().String(),
		log:      log,
	}
}

// SetDeviceID updates the channel namespace a Link publishes/subscribes on.
// Must be called before Start if no id was given to New.
func (l *Link) SetDeviceID(id string) {
	l.deviceID = id
}

func (l *Link) inChannel() string  { return "knot:" + l.deviceID + ":in" }
func (l *Link) outChannel() string { return "knot:" + l.deviceID + ":out" }

// Start implements gateway.CloudLink: it subscribes to the device's inbound
// channel and translates every message it receives into an
// InboundMessage, until ctx is canceled.
func (l *Link) Start(ctx context.Context) (<-chan gateway.InboundMessage, error) {
	if l.deviceID == "" {
		return nil, fmt.Errorf("cloudbus: device id not set")
	}
	if err := l.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cloudbus: connecting to %s: %w", l.client.Options().Addr, err)
	}

	l.sub = l.client.Subscribe(ctx, l.inChannel())
	redisCh := l.sub.Channel()

	out := make(chan gateway.InboundMessage, 32)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				inbound, err := l.decode(msg.Payload)
				if err != nil {
					l.log.WithError(err).Warn("cloudbus: dropping malformed inbound message")
					continue
				}
				select {
				case out <- inbound:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (l *Link) decode(payload string) (gateway.InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return gateway.InboundMessage{}, fmt.Errorf("cloudbus: unmarshaling envelope: %w", err)
	}
	kind, err := kindToWire(env.Kind)
	if err != nil {
		return gateway.InboundMessage{}, err
	}
	values := make([]gateway.Value, len(env.Values))
	for i, v := range env.Values {
		values[i] = wireToValue(v)
	}
	return gateway.InboundMessage{
		Kind:    kind,
		Error:   env.Error,
		Token:   env.Token,
		Sensors: env.Sensors,
		Values:  values,
	}, nil
}

func (l *Link) publish(ctx context.Context, env envelope) error {
	env.Run = l.runID
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cloudbus: marshaling envelope: %w", err)
	}
	if err := l.client.Publish(ctx, l.outChannel(), data).Err(); err != nil {
		return fmt.Errorf("cloudbus: publishing to %s: %w", l.outChannel(), err)
	}
	return nil
}

// Register implements gateway.CloudLink.
func (l *Link) Register(id, name string) error {
	return l.publish(context.Background(), envelope{Kind: "register", Name: name})
}

// Auth implements gateway.CloudLink.
func (l *Link) Auth(id, token string) error {
	return l.publish(context.Background(), envelope{Kind: "auth", Token: token})
}

// PublishSchema implements gateway.CloudLink.
func (l *Link) PublishSchema(id string, schemas []gateway.SchemaEntry) error {
	wire := make([]schemaWire, len(schemas))
	for i, s := range schemas {
		wire[i] = schemaWire{SensorID: s.SensorID, Kind: s.Schema.ValueKind.String(), Unit: s.Schema.Unit, Name: s.Schema.Name}
	}
	return l.publish(context.Background(), envelope{Kind: "schema", Schemas: wire})
}

// PublishData implements gateway.CloudLink.
func (l *Link) PublishData(id string, sensorID int, kind gateway.ValueKind, v gateway.Value) error {
	return l.publish(context.Background(), envelope{
		Kind:    "update",
		Sensors: []int{sensorID},
		Values:  []envelopeValue{valueToWire(v)},
	})
}

// Unregister implements gateway.CloudLink.
func (l *Link) Unregister(id string) error {
	return l.publish(context.Background(), envelope{Kind: "unregister"})
}

// Close implements gateway.CloudLink.
func (l *Link) Close() error {
	if l.sub != nil {
		l.sub.Close()
	}
	return l.client.Close()
}
