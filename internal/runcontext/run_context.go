// ============================================================================
// Beaver-Jobs RunContext - ambient execution state
// ============================================================================
//
// Package: internal/runcontext
// File: run_context.go
// Purpose: Immutable snapshot of the state a job runs under (subject, locale,
// session, custom properties) and how it travels inside a context.Context.
//
// Install / restore:
//   A RunContext is installed by deriving a child context.Context that carries
//   it. The parent context is never touched, so the state the caller (or the
//   worker goroutine) had before the job is restored as soon as the child goes
//   out of scope, on every return path including panics.
//
// Immutability:
//   Every With* call returns a new RunContext; properties are copied on write.
//
// ============================================================================

package runcontext

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/language"
)

// Session identifies a logically single-threaded client session.
type Session interface {
	ID() string
}

// RunContext is the ambient state installed around one job execution.
type RunContext struct {
	subject         string
	locale          language.Tag
	session         Session
	properties      map[string]any
	propagateCancel bool
}

type contextKey struct{}

// New returns an empty RunContext.
func New() *RunContext {
	return &RunContext{locale: language.Und}
}

// Empty is an alias of New that reads better at call sites that want "nothing".
func Empty() *RunContext {
	return New()
}

func (rc *RunContext) clone() *RunContext {
	c := *rc
	if rc.properties != nil {
		c.properties = make(map[string]any, len(rc.properties))
		for k, v := range rc.properties {
			c.properties[k] = v
		}
	}
	return &c
}

// Copy returns an independent copy.
func (rc *RunContext) Copy() *RunContext {
	if rc == nil {
		return New()
	}
	return rc.clone()
}

// WithSubject returns a copy running as subject.
func (rc *RunContext) WithSubject(subject string) *RunContext {
	c := rc.Copy()
	c.subject = subject
	return c
}

// WithLocale returns a copy using locale.
func (rc *RunContext) WithLocale(locale language.Tag) *RunContext {
	c := rc.Copy()
	c.locale = locale
	return c
}

// WithSession returns a copy bound to session.
func (rc *RunContext) WithSession(session Session) *RunContext {
	c := rc.Copy()
	c.session = session
	return c
}

// WithProperty returns a copy with key set to value.
func (rc *RunContext) WithProperty(key string, value any) *RunContext {
	c := rc.Copy()
	if c.properties == nil {
		c.properties = make(map[string]any, 1)
	}
	c.properties[key] = value
	return c
}

// WithoutProperty returns a copy without key.
func (rc *RunContext) WithoutProperty(key string) *RunContext {
	c := rc.Copy()
	delete(c.properties, key)
	return c
}

// WithPropagateCancel controls whether cancelling the submitter's context also
// interrupts the job.
func (rc *RunContext) WithPropagateCancel(propagate bool) *RunContext {
	c := rc.Copy()
	c.propagateCancel = propagate
	return c
}

func (rc *RunContext) Subject() string {
	if rc == nil {
		return ""
	}
	return rc.subject
}

func (rc *RunContext) Locale() language.Tag {
	if rc == nil {
		return language.Und
	}
	return rc.locale
}

func (rc *RunContext) Session() Session {
	if rc == nil {
		return nil
	}
	return rc.session
}

// SessionID returns the session's ID or "" when no session is set.
func (rc *RunContext) SessionID() string {
	if s := rc.Session(); s != nil {
		return s.ID()
	}
	return ""
}

// Property looks up a custom property.
func (rc *RunContext) Property(key string) (any, bool) {
	if rc == nil {
		return nil, false
	}
	v, ok := rc.properties[key]
	return v, ok
}

// Properties returns a copy of all custom properties.
func (rc *RunContext) Properties() map[string]any {
	out := make(map[string]any)
	if rc == nil {
		return out
	}
	for k, v := range rc.properties {
		out[k] = v
	}
	return out
}

func (rc *RunContext) PropagateCancel() bool {
	return rc != nil && rc.propagateCancel
}

// Install returns a child of ctx carrying rc.
func (rc *RunContext) Install(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the RunContext installed in ctx, or nil.
func FromContext(ctx context.Context) *RunContext {
	if ctx == nil {
		return nil
	}
	rc, _ := ctx.Value(contextKey{}).(*RunContext)
	return rc
}

// CopyCurrent returns a copy of the RunContext installed in ctx, or an empty
// one when nothing is installed.
func CopyCurrent(ctx context.Context) *RunContext {
	return FromContext(ctx).Copy()
}

func (rc *RunContext) String() string {
	if rc == nil {
		return "RunContext{}"
	}
	keys := make([]string, 0, len(rc.properties))
	for k := range rc.properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	props := make([]string, 0, len(keys))
	for _, k := range keys {
		props = append(props, fmt.Sprintf("%s=%v", k, rc.properties[k]))
	}
	return fmt.Sprintf("RunContext{subject=%q, locale=%s, session=%q, propagateCancel=%t, properties=[%s]}",
		rc.subject, rc.locale, rc.SessionID(), rc.propagateCancel, strings.Join(props, ", "))
}

// StringSession is a Session identified by a plain string.
type StringSession string

func (s StringSession) ID() string { return string(s) }
