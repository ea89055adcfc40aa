// Package aegistypes holds the value objects and message envelopes shared
// by every component of the coordination core: service names, instance
// ids, event types, priorities, statuses, and the wire envelopes for RPC,
// events, and commands.
//
// Every constructor here validates at construction time and returns a
// typed aegiserr error on failure — invalid input never crosses a message
// boundary as a panic.
package aegistypes

import (
	"regexp"
	"strings"

	"github.com/cuemby/aegis/pkg/aegiserr"
)

var serviceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// ServiceName is an immutable, validated service name.
type ServiceName struct{ value string }

// NewServiceName validates and constructs a ServiceName.
func NewServiceName(value string) (ServiceName, error) {
	if !serviceNamePattern.MatchString(value) {
		return ServiceName{}, aegiserr.Newf(aegiserr.KindValidation,
			"invalid service name %q: must match ^[a-z][a-z0-9_-]{0,63}$", value)
	}
	if strings.HasSuffix(value, "-") || strings.HasSuffix(value, "_") {
		return ServiceName{}, aegiserr.Newf(aegiserr.KindValidation,
			"invalid service name %q: must not end with a hyphen or underscore", value)
	}
	return ServiceName{value: value}, nil
}

func (s ServiceName) String() string { return s.value }

// IsZero reports whether s was never constructed via NewServiceName.
func (s ServiceName) IsZero() bool { return s.value == "" }

const maxInstanceIDLen = 128

// InstanceId uniquely identifies one running process of a service.
type InstanceId struct{ value string }

// NewInstanceId validates and constructs an InstanceId.
func NewInstanceId(value string) (InstanceId, error) {
	if value == "" {
		return InstanceId{}, aegiserr.New(aegiserr.KindValidation, "instance id must not be empty")
	}
	if len(value) > maxInstanceIDLen {
		return InstanceId{}, aegiserr.Newf(aegiserr.KindValidation,
			"instance id too long: %d > %d", len(value), maxInstanceIDLen)
	}
	for _, r := range value {
		if r <= 0x20 || r == 0x7f {
			return InstanceId{}, aegiserr.Newf(aegiserr.KindValidation,
				"instance id %q contains whitespace or control characters", value)
		}
	}
	return InstanceId{value: value}, nil
}

func (i InstanceId) String() string { return i.value }
func (i InstanceId) IsZero() bool   { return i.value == "" }

var methodNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// MethodName is a snake_case RPC/command method identifier.
type MethodName struct{ value string }

// NewMethodName validates and constructs a MethodName.
func NewMethodName(value string) (MethodName, error) {
	if len(value) == 0 || len(value) > 64 || !methodNamePattern.MatchString(value) {
		return MethodName{}, aegiserr.Newf(aegiserr.KindValidation,
			"invalid method name %q: must be snake_case, <= 64 chars", value)
	}
	return MethodName{value: value}, nil
}

func (m MethodName) String() string { return m.value }

// EventType is a dot-separated lowercase path such as "order.created".
type EventType struct{ value string }

var eventSegmentPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// NewEventType validates and constructs an EventType.
func NewEventType(value string) (EventType, error) {
	if len(value) == 0 || len(value) > 64 {
		return EventType{}, aegiserr.Newf(aegiserr.KindValidation,
			"invalid event type %q: length must be 1..64", value)
	}
	if strings.HasPrefix(value, ".") || strings.HasSuffix(value, ".") || strings.Contains(value, "..") {
		return EventType{}, aegiserr.Newf(aegiserr.KindValidation,
			"invalid event type %q: no leading/trailing/consecutive dots", value)
	}
	segments := strings.Split(value, ".")
	if len(segments) < 2 {
		return EventType{}, aegiserr.Newf(aegiserr.KindValidation,
			"invalid event type %q: must have a domain and an action segment", value)
	}
	for _, seg := range segments {
		if !eventSegmentPattern.MatchString(seg) {
			return EventType{}, aegiserr.Newf(aegiserr.KindValidation,
				"invalid event type %q: segment %q is not lowercase alphanumeric", value, seg)
		}
	}
	return EventType{value: value}, nil
}

func (e EventType) String() string { return e.value }

// Domain returns the first dot-separated segment.
func (e EventType) Domain() string {
	return e.value[:strings.IndexByte(e.value, '.')]
}

// Action returns the last dot-separated segment.
func (e EventType) Action() string {
	i := strings.LastIndexByte(e.value, '.')
	return e.value[i+1:]
}

// Priority is a totally ordered command priority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority parses the string form of a Priority.
func ParsePriority(value string) (Priority, error) {
	switch value {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, aegiserr.Newf(aegiserr.KindValidation, "invalid priority %q", value)
	}
}

// Less reports whether p sorts before other (low < normal < high < critical).
func (p Priority) Less(other Priority) bool { return p < other }

// ServiceStatus is the lifecycle status of a registry entry.
type ServiceStatus string

const (
	StatusActive    ServiceStatus = "ACTIVE"
	StatusStandby   ServiceStatus = "STANDBY"
	StatusUnhealthy ServiceStatus = "UNHEALTHY"
	StatusShutdown  ServiceStatus = "SHUTDOWN"
)

// IsTerminal reports whether the status can never transition further.
func (s ServiceStatus) IsTerminal() bool { return s == StatusShutdown }

// StickyActiveStatus is populated only for single-active services.
type StickyActiveStatus string

const (
	StickyActive  StickyActiveStatus = "ACTIVE"
	StickyStandby StickyActiveStatus = "STANDBY"
)
