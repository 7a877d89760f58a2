// Package command translates high level device actions into outbound
// transport messages.
package command

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rovernet/roverbridge/internal/logger"
	"github.com/rovernet/roverbridge/internal/mqtt"
	"github.com/rovernet/roverbridge/internal/observability/metrics"
)

const componentName = "command"

// Action is one of the enumerated device commands
type Action string

// Supported actions
const (
	ActionMove       Action = "move"
	ActionRotate     Action = "rotate"
	ActionStop       Action = "stop"
	ActionSearch     Action = "search"
	ActionReturnHome Action = "return-home"
	ActionCalibrate  Action = "calibrate"
)

// Dispatch results, used as metric labels
const (
	ResultPublished     = "published"
	ResultNotConnected  = "not_connected"
	ResultUnknownAction = "unknown_action"
	ResultPublishError  = "publish_error"
)

// route is the outbound topic of an action and whether it carries the
// caller's parameters or the boolean sentinel
type route struct {
	suffix     string
	structured bool
}

var routes = map[Action]route{
	ActionMove:       {suffix: "cmd/move", structured: true},
	ActionRotate:     {suffix: "cmd/rotate", structured: true},
	ActionStop:       {suffix: "cmd/stop"},
	ActionSearch:     {suffix: "cmd/search-object", structured: true},
	ActionReturnHome: {suffix: "cmd/return-home"},
	ActionCalibrate:  {suffix: "cmd/calibrate-sensors"},
}

// aliases accepted from older clients
var aliases = map[string]Action{
	"mover":    ActionMove,
	"rotar":    ActionRotate,
	"parar":    ActionStop,
	"buscar":   ActionSearch,
	"inicio":   ActionReturnHome,
	"calibrar": ActionCalibrate,
}

// ParseAction normalizes an action name. Unknown names return false.
func ParseAction(name string) (Action, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if a, ok := aliases[name]; ok {
		return a, true
	}
	a := Action(name)
	_, ok := routes[a]
	return a, ok
}

// Actions returns the supported actions
func Actions() []Action {
	return []Action{ActionMove, ActionRotate, ActionStop, ActionSearch, ActionReturnHome, ActionCalibrate}
}

// Dispatcher publishes device commands. It is safe for concurrent use.
type Dispatcher struct {
	publisher mqtt.Publisher
	prefix    string
	timeout   time.Duration
	log       logger.Logger
	metrics   *metrics.CommandMetrics
}

// NewDispatcher returns a dispatcher publishing under the topic prefix
func NewDispatcher(publisher mqtt.Publisher, prefix string, log logger.Logger, m *metrics.CommandMetrics) *Dispatcher {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return &Dispatcher{
		publisher: publisher,
		prefix:    strings.Trim(prefix, "/"),
		timeout:   5 * time.Second,
		log:       log,
		metrics:   m,
	}
}

// Topic returns the outbound topic of action
func (d *Dispatcher) Topic(action Action) string {
	return d.prefix + "/" + routes[action].suffix
}

// Dispatch publishes one command and reports whether it was handed to the
// transport. It returns false without publishing when the transport is down
// or the action is unknown, and never waits for the device.
func (d *Dispatcher) Dispatch(action string, params map[string]any) bool {
	a, known := ParseAction(action)
	if !known {
		d.metrics.RecordDispatch("unknown", ResultUnknownAction)
		d.log.Warn("unknown command action", logger.String("action", action))
		return false
	}
	if !d.publisher.IsConnected() {
		d.metrics.RecordDispatch(string(a), ResultNotConnected)
		d.log.Warn("command not sent, transport not connected", logger.String("action", string(a)))
		return false
	}

	payload, err := encodePayload(routes[a], params)
	if err != nil {
		d.metrics.RecordDispatch(string(a), ResultPublishError)
		d.log.Error("failed to encode command payload",
			logger.String("action", string(a)),
			logger.Error(err))
		return false
	}

	topic := d.Topic(a)
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.publisher.Publish(ctx, topic, payload); err != nil {
		d.metrics.RecordDispatch(string(a), ResultPublishError)
		d.log.Error("failed to publish command",
			logger.String("action", string(a)),
			logger.String("topic", topic),
			logger.Error(err))
		return false
	}

	d.metrics.RecordDispatch(string(a), ResultPublished)
	d.log.Info("command sent", logger.String("action", string(a)), logger.String("topic", topic))
	return true
}

func encodePayload(r route, params map[string]any) ([]byte, error) {
	if !r.structured {
		return []byte("true"), nil
	}
	if params == nil {
		params = map[string]any{}
	}
	return json.Marshal(params)
}
