package mbean

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
)

// ObjectName identifies a bean: "domain:key=value[,key=value...]".
// As a pattern the domain may use * and ? wildcards, and a trailing "*" in the
// property list admits extra properties.
type ObjectName string

// ParseObjectName validates s and returns it in canonical form, with the
// properties sorted by key.
func ParseObjectName(s string) (ObjectName, error) {
	domain, props, pattern, err := split(s)
	if err != nil {
		return "", errors.Trace(err)
	}
	return join(domain, props, pattern), nil
}

// MustParseObjectName is ParseObjectName for names known at compile time.
func MustParseObjectName(s string) ObjectName {
	n, err := ParseObjectName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n ObjectName) String() string { return string(n) }

// Domain returns the part before the colon.
func (n ObjectName) Domain() string {
	domain, _, _ := strings.Cut(string(n), ":")
	return domain
}

// Property returns the value of key.
func (n ObjectName) Property(key string) (string, bool) {
	_, props, _, err := split(string(n))
	if err != nil {
		return "", false
	}
	v, ok := props[key]
	return v, ok
}

// IsPattern reports whether n can match more than one name.
func (n ObjectName) IsPattern() bool {
	domain, _, pattern, err := split(string(n))
	return err == nil && (pattern || strings.ContainsAny(domain, "*?"))
}

// Matches reports whether name is matched by the pattern n. An empty pattern
// matches everything.
func (n ObjectName) Matches(name ObjectName) bool {
	if n == "" {
		return true
	}
	pd, pprops, wildcard, err := split(string(n))
	if err != nil {
		return false
	}
	nd, nprops, _, err := split(string(name))
	if err != nil {
		return false
	}
	if ok, err := path.Match(pd, nd); err != nil || !ok {
		return false
	}
	for k, v := range pprops {
		if nprops[k] != v {
			return false
		}
	}
	return wildcard || len(pprops) == len(nprops)
}

func split(s string) (string, map[string]string, bool, error) {
	domain, list, ok := strings.Cut(s, ":")
	if !ok || domain == "" || list == "" {
		return "", nil, false, errors.NotValidf("object name %q", s)
	}
	props := map[string]string{}
	pattern := false
	for _, kv := range strings.Split(list, ",") {
		if kv == "*" {
			pattern = true
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || v == "" {
			return "", nil, false, errors.NotValidf("property %q in object name %q", kv, s)
		}
		if _, dup := props[k]; dup {
			return "", nil, false, errors.NotValidf("duplicate property %q in object name %q", k, s)
		}
		props[k] = v
	}
	if len(props) == 0 && !pattern {
		return "", nil, false, errors.NotValidf("object name %q", s)
	}
	return domain, props, pattern, nil
}

func join(domain string, props map[string]string, pattern bool) ObjectName {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, k+"="+props[k])
	}
	if pattern {
		parts = append(parts, "*")
	}
	return ObjectName(domain + ":" + strings.Join(parts, ","))
}

// Attribute is a named attribute value.
type Attribute struct {
	Name  string
	Value any
}

// AttributeChangeType is the type of notifications emitted on SetAttribute.
const AttributeChangeType = "attribute.change"

// Notification is an event emitted by a bean.
type Notification struct {
	Type      string
	Source    ObjectName
	Sequence  int64
	TimeStamp time.Time
	Message   string
	UserData  any
}

// AttributeChange is the UserData of an attribute.change notification.
type AttributeChange struct {
	Name     string
	OldValue any
	NewValue any
}

// NotificationListener receives notifications together with the handback
// given at registration.
type NotificationListener interface {
	HandleNotification(n Notification, handback any)
}

// ResponseListener receives the outcome of asynchronous calls. Besides these
// two methods an implementation has one acceptor per operation of Connection:
// XResponse(id int32) for operations returning only an error, and
// XResponse(id int32, value T) for operations returning (T, error).
type ResponseListener interface {
	OnException(id int32, err error)
	OnTimeout(id int32)
}

// ConnectionListener learns when a connection is lost.
type ConnectionListener interface {
	ConnectionClosed(err error)
}
