// Package logadapter wraps a *logrus.Logger to satisfy phy.Logger, so the
// data-link and transport layers can log through the same structured
// logger a cmd/ binary configures for itself instead of phy's plain
// stdlib-backed default.
package logadapter

import (
	"github.com/sirupsen/logrus"

	"github.com/brandonbraun653/ripple-go/phy"
)

// Adapter bridges logrus to phy.Logger. Fields set on Adapter are attached
// to every message it logs.
type Adapter struct {
	entry *logrus.Entry
}

// New wraps l, attaching fields to every message logged through the
// returned Adapter.
func New(l *logrus.Logger, fields logrus.Fields) *Adapter {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Adapter{entry: l.WithFields(fields)}
}

func (a *Adapter) Debug(msg string) { a.entry.Debug(msg) }
func (a *Adapter) Info(msg string)  { a.entry.Info(msg) }
func (a *Adapter) Warn(msg string)  { a.entry.Warn(msg) }
func (a *Adapter) Error(msg string) { a.entry.Error(msg) }

var _ phy.Logger = (*Adapter)(nil)
